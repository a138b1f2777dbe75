package session

import "github.com/matheus3301/wpphub/internal/config"

// Resolve loads the daemon configuration using precedence:
// 1. configFlag (-config flag)
// 2. ~/.wpphub/config.toml
// 3. built-in defaults when the file does not exist
func Resolve(configFlag string) (*config.Config, Paths, error) {
	path := configFlag
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, Paths{}, err
	}
	return cfg, NewPaths(cfg.DataDir), nil
}
