package main

import (
	"flag"

	"assistantd/internal/util"
)

type startParams struct {
	Daemon  startParamsDaemon  `json:"daemon"`
	Console startParamsConsole `json:"console"`
}

type startParamsDaemon struct {
	StateDir *string `json:"state_dir,omitempty"`
	WSListen *string `json:"ws_listen,omitempty"`
	RedisURL *string `json:"redis_url,omitempty"`
	Log      *string `json:"log,omitempty"`
	Quiet    *bool   `json:"quiet,omitempty"`
}

type startParamsConsole struct {
	StateDir *string `json:"state_dir,omitempty"`
	URL      *string `json:"url,omitempty"`
	UI       *string `json:"ui,omitempty"`
}

func loadStartParams(configPath string) (startParams, bool, error) {
	var params startParams
	found, err := util.ReadConfigSection(configPath, "start_params", &params)
	if err != nil {
		return startParams{}, false, err
	}
	return params, found, nil
}

// explicitFlags reports which flags were set on the command line; config
// defaults never override them.
func explicitFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func applyString(set map[string]bool, name string, dst *string, v *string) {
	if set[name] || v == nil {
		return
	}
	*dst = *v
}

func applyBool(set map[string]bool, name string, dst *bool, v *bool) {
	if set[name] || v == nil {
		return
	}
	*dst = *v
}
