package actions

// BuiltinDeps carries what the built-in actions need from the host.
type BuiltinDeps struct {
	HTTP HTTPConfig
	// Claims backs the processing.* actions; they are skipped when nil.
	Claims RecordClaimer
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	all := make([]Action, 0, 8)

	all = append(all, NewHTTPRequestAction(deps.HTTP))
	all = append(all, TransformActions()...)
	all = append(all, VariablesAction())

	if deps.Claims != nil {
		all = append(all, ProcessingActions(deps.Claims)...)
	}

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
