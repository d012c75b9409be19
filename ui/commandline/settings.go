// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/lottery/pkg/pruning"
	"github.com/gomlx/lottery/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// settingsFields maps the setting names to the fields of s.
func settingsFields(s *pruning.Settings) map[string]any {
	return map[string]any{
		"arch":        &s.Architecture,
		"optimizer":   &s.Optimizer,
		"source":      &s.SourceDataset,
		"target":      &s.TargetDataset,
		"random":      &s.Random,
		"batch_size":  &s.BatchSize,
		"seed":        &s.Seed,
		"models_path": &s.ModelsPath,
		"init_path":   &s.InitPath,
		"save_init":   &s.SaveInit,
		"epochs":      &s.Epochs,
		"start_round": &s.StartRound,
		"last_round":  &s.LastRound,
	}
}

// SettingsNames returns the sorted names accepted by ParseSettings.
func SettingsNames() []string {
	names := maps.Keys(settingsFields(&pruning.Settings{}))
	slices.Sort(names)
	return names
}

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "epochs=2;last_round=3;...".
// The names are the same as the flags of the same values, see SettingsNames.
//
// It updates `s` accordingly and returns the names of the settings changed, or an error in case
// a setting is unknown or the parsing failed.
//
// An entry like "file:settings_file.txt" reads the settings from the file, with new-lines
// working as ";" and lines starting with "#" considered comments.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
func ParseSettings(s *pruning.Settings, settings string) (paramsSet []string, err error) {
	fields := settingsFields(s)
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(fields, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(fields map[string]any, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		filePath := strings.TrimPrefix(setting, "file:")
		filePath, err = fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(fields, lineSetting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<name>=<value>\"", setting)
		return
	}
	name = strings.TrimSpace(name)
	field, found := fields[name]
	if !found {
		err = errors.Errorf("unknown setting %q, valid settings are %v", name, SettingsNames())
		return
	}
	switch v := field.(type) {
	case *int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	case *uint64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	case *bool:
		err = json.Unmarshal([]byte(valueStr), v)
	case *string:
		*v = valueStr
	default:
		err = errors.Errorf("don't know how to parse type %T for setting %q", field, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for setting %q", valueStr, name)
		return
	}
	newParamsSet = append(newParamsSet, name)
	return
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") to be parsed with ParseSettings.
//
// The flag should be created before the call to `flags.Parse()`.
func CreateSettingsFlag(flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	usage := fmt.Sprintf(
		`Overrides settings given by other flags. `+
			`It should be a list of elements "name=value" separated by ";". `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Valid names: %s`, strings.Join(SettingsNames(), ", "))
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintConfig pretty-prints the resolved configuration as a table.
func SprintConfig(cfg pruning.Config) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	mode := "winning ticket (rewind to initialization)"
	if cfg.Random {
		mode = "random ticket (permuted masks, no rewind)"
	}
	table.Row("Architecture", cfg.Architecture.String())
	table.Row("Optimizer", cfg.Optimizer.String())
	table.Row("Datasets", fmt.Sprintf("%s -> %s (%d classes)", cfg.SourceDataset, cfg.TargetDataset, cfg.NumClasses))
	table.Row("Mode", mode)
	table.Row("Rounds", fmt.Sprintf("%d to %d", cfg.StartRound, cfg.LastRound))
	table.Row("Epochs per round", fmt.Sprintf("%d, annealing at %v", cfg.Epochs, cfg.AnnealEpochs))
	table.Row("Batch size", fmt.Sprint(cfg.BatchSize))
	table.Row("Seed", fmt.Sprint(cfg.Seed))
	table.Row("Models path", cfg.ModelsPath)
	if cfg.InitPath != "" {
		initPath := cfg.InitPath
		if cfg.SaveInit {
			initPath += " (saved)"
		}
		table.Row("Initialization", initPath)
	}
	return table.String()
}
