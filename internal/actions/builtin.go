package actions

// RegisterBuiltins registers every action a sequence step can name.
func RegisterBuiltins(reg *Registry, tags TagStore, webhookCfg WebhookConfig) error {
	all := []Action{
		NewAddTagAction(tags),
		NewRemoveTagAction(tags),
		&UpdateFieldAction{},
		NewWebhookAction(webhookCfg),
		&EndSequenceAction{},
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
