package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.yaml|file.json>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			catalog, err := validationCatalog()
			if err != nil {
				return err
			}
			validator, err := validation.NewWorkflowValidator(catalog)
			if err != nil {
				return err
			}
			result := validator.Validate(def)
			printResult(cmd.OutOrStdout(), result)
			if !result.Valid() {
				cmd.SilenceUsage = true
				return fmt.Errorf("%s: %d error(s)", args[0], len(result.Errors))
			}
			return nil
		},
	}
}

// readDefinition loads a definition from YAML or JSON. YAML is decoded
// generically and re-encoded as JSON so step configs keep their raw form.
func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}

// validationCatalog is the builtin action set without a store. The
// processing actions are present for their contracts only.
func validationCatalog() (*actions.Registry, error) {
	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, actions.BuiltinDeps{}); err != nil {
		return nil, err
	}
	for _, a := range actions.ProcessingActions(nil) {
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func printResult(w io.Writer, result *schema.ValidationResult) {
	for _, issue := range result.Errors {
		fmt.Fprintf(w, "error   %s [%s] %s\n", issue.Path, issue.Code, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Fprintf(w, "warning %s [%s] %s\n", issue.Path, issue.Code, issue.Message)
	}
	if result.Valid() {
		fmt.Fprintln(w, "ok")
	}
}
