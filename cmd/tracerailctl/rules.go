package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ent0n29/tracerail/internal/routing"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and list routing rule files",
	}
	cmd.AddCommand(rulesValidateCmd())
	return cmd
}

func rulesValidateCmd() *cobra.Command {
	var requireRules bool
	cmd := &cobra.Command{
		Use:   "validate <rules.yaml>...",
		Short: "Parse rule files and report every configuration error",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				rules, err := routing.LoadRulesFile(path, requireRules)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s %s\n", color.New(color.FgRed).Sprint("FAIL"), err)
					continue
				}
				enabled := 0
				byType := make(map[routing.RuleType]int)
				for _, r := range rules {
					if r.Enabled {
						enabled++
					}
					byType[r.Type()]++
				}
				fmt.Fprintf(out, "%s %s: %d rules, %d enabled%s\n",
					color.New(color.FgGreen).Sprint("OK  "), path, len(rules), enabled, formatTypeCounts(byType))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d rule files invalid", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&requireRules, "require-rules", true, "treat an empty rule list as an error")
	return cmd
}

func formatTypeCounts(byType map[routing.RuleType]int) string {
	if len(byType) == 0 {
		return ""
	}
	keys := make([]string, 0, len(byType))
	for t := range byType {
		keys = append(keys, string(t))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.Itoa(byType[routing.RuleType(k)]))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

func routeCmd() *cobra.Command {
	var (
		rulesFile string
		engine    string
		decision  string
		requestID string
		content   string
		signals   []string
		filters   []string
		metadata  []string
	)
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Evaluate one request against a rule file without a server",
		Example: `  tracerailctl route --rules rules.yaml --content "I want a refund" --signal confidence=0.4
  tracerailctl route --engine static --decision escalate --content "anything"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc := routing.Context{RequestID: requestID, Content: content}
			var err error
			if rc.Signals, err = parseSignals(signals); err != nil {
				return err
			}
			if rc.ContentFilter, err = parseFilters(filters); err != nil {
				return err
			}
			if rc.Metadata, err = parsePairs(metadata); err != nil {
				return err
			}
			e, err := routing.NewEngine(routing.EngineConfig{
				Type:           engine,
				RulesFile:      rulesFile,
				RequireRules:   engine != "static",
				StaticDecision: decision,
			})
			if err != nil {
				return err
			}
			return marshalAndWrite(cmd.OutOrStdout(), e.Route(rc))
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "", "rules file for the rules engine")
	cmd.Flags().StringVar(&engine, "engine", "rules", "routing engine: rules|static")
	cmd.Flags().StringVar(&decision, "decision", "human", "decision returned by the static engine")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id echoed in the result")
	cmd.Flags().StringVar(&content, "content", "", "content to route")
	cmd.Flags().StringArrayVar(&signals, "signal", nil, "signal as name=value, repeatable")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "flagged content category as name or name=severity, repeatable")
	cmd.Flags().StringArrayVar(&metadata, "metadata", nil, "metadata as key=value, repeatable")
	return cmd
}

func parsePairs(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, item := range raw {
		k, v, ok := strings.Cut(item, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", item)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func parseSignals(raw []string) (map[string]float64, error) {
	pairs, err := parsePairs(raw)
	if err != nil || pairs == nil {
		return nil, err
	}
	out := make(map[string]float64, len(pairs))
	for k, v := range pairs {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("signal %s: %q is not a number", k, v)
		}
		out[k] = f
	}
	return out, nil
}

func parseFilters(raw []string) (map[string]routing.FilterResult, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]routing.FilterResult, len(raw))
	for _, item := range raw {
		name, severity, _ := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("filter category is required in %q", item)
		}
		out[name] = routing.FilterResult{Filtered: true, Severity: strings.TrimSpace(severity)}
	}
	return out, nil
}
