package main

import (
	"fmt"
	"os/exec"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lexicore/lexicore/internal/lsp"
)

// runDoctor reports, per configured language, whether the server binary
// resolves on PATH. It exits non-zero when any enabled server is missing
// so the check can gate setup scripts.
func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	langs := make([]string, 0, len(cfg.Servers))
	for lang := range cfg.Servers {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	missing := 0
	for _, lang := range langs {
		sc := cfg.Servers[lang]
		if sc.Disabled {
			fmt.Printf("%-12s disabled\n", lang)
			continue
		}
		path, err := exec.LookPath(sc.Command)
		if err != nil {
			fmt.Printf("%-12s MISSING  %s not found in PATH\n", lang, sc.Command)
			missing++
			continue
		}
		fmt.Printf("%-12s ok       %s\n", lang, path)
	}

	// Servers present on PATH but absent from the configuration are worth
	// surfacing; enabling them is a one-line config change.
	detected := lsp.AutoDetectServers()
	extra := make([]string, 0, len(detected))
	for lang := range detected {
		if _, configured := cfg.Servers[lang]; !configured {
			extra = append(extra, lang)
		}
	}
	sort.Strings(extra)
	for _, lang := range extra {
		fmt.Printf("%-12s detected %s (not configured)\n", lang, detected[lang].Command)
	}

	if missing > 0 {
		return fmt.Errorf("%d language server(s) missing", missing)
	}
	return nil
}
