package conf

import "github.com/spf13/viper"

// Context carries state shared by the CLI commands. Settings is filled in
// once the command line has been parsed.
type Context struct {
	Viper      *viper.Viper
	Settings   *Settings
	ConfigFile string
	Version    string
}

// NewContext returns a Context with an empty settings struct.
func NewContext(version string) *Context {
	return &Context{
		Viper:    viper.New(),
		Settings: &Settings{},
		Version:  version,
	}
}

// Load reads the configuration into ctx.Settings.
func (ctx *Context) Load() error {
	settings, err := LoadWithViper(ctx.Viper, ctx.ConfigFile)
	if err != nil {
		return err
	}
	*ctx.Settings = *settings
	return nil
}
