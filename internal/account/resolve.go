package account

import "github.com/matheus3301/courier/internal/config"

const DefaultName = "main"

// Resolve picks the account to act on: the flag, then default_account
// from the global config, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(GlobalConfigPath())
	if err == nil && cfg.DefaultAccount != "" {
		return cfg.DefaultAccount
	}
	return DefaultName
}
