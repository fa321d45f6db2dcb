package out

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/ggonzalez94/xbridge/internal/config"
	"github.com/ggonzalez94/xbridge/internal/model"
)

func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.OutputMode == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if settings.ResultsOnly {
			return enc.Encode(data)
		}
		env.Data = data
		return enc.Encode(env)
	}

	if settings.ResultsOnly {
		return renderPlain(w, data)
	}
	if env.Error != nil {
		if _, err := fmt.Fprintf(w, "%s %s (%s, exit %d)\n", color.RedString("error:"), env.Error.Message, env.Error.Type, env.Error.Code); err != nil {
			return err
		}
	}
	for _, warning := range env.Warnings {
		if _, err := fmt.Fprintf(w, "%s %s\n", color.YellowString("warning:"), warning); err != nil {
			return err
		}
	}
	if env.Success {
		if err := renderPlain(w, data); err != nil {
			return err
		}
	}
	return renderMeta(w, env.Meta)
}

func renderMeta(w io.Writer, meta model.EnvelopeMeta) error {
	providers := make([]string, 0, len(meta.Providers))
	for _, p := range meta.Providers {
		providers = append(providers, fmt.Sprintf("%s:%s(%dms)", p.Name, p.Status, p.LatencyMS))
	}
	line := fmt.Sprintf("command=%s partial=%v", meta.Command, meta.Partial)
	if len(providers) > 0 {
		line += " providers=" + strings.Join(providers, ",")
	}
	_, err := fmt.Fprintln(w, color.HiBlackString(line))
	return err
}

func renderPlain(w io.Writer, data any) error {
	switch t := data.(type) {
	case model.QuoteSnapshot:
		return renderSnapshot(w, t)
	case []model.RecordView:
		return renderRecords(w, t)
	case model.RecordView:
		return renderRecords(w, []model.RecordView{t})
	}

	v := reflect.ValueOf(data)
	if !v.IsValid() {
		_, err := fmt.Fprintln(w, "null")
		return err
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			item := normalizeValue(v.Index(i).Interface())
			line, err := toLine(item)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		if v.Len() == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		return nil
	default:
		line, err := toLine(normalizeValue(data))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, line)
		return err
	}
}

// renderSnapshot prints ranked quotes as a table. "*" marks the best quote and
// ">" the selected one.
func renderSnapshot(w io.Writer, snap model.QuoteSnapshot) error {
	if snap.NoQuote {
		if snap.Suggestion == nil {
			_, err := fmt.Fprintln(w, "no quotes")
			return err
		}
		sug := snap.Suggestion
		if _, err := fmt.Fprintf(w, "no quotes; suggested pay token %s %s (%s)\n", sug.FromAmount.AmountDecimal, color.CyanString(sug.Symbol), sug.AssetID); err != nil {
			return err
		}
		return quoteTable(w, sug.Quotes)
	}
	if err := quoteTable(w, snap.Quotes); err != nil {
		return err
	}
	if snap.Manual {
		_, err := fmt.Fprintf(w, "selected %s (manual)\n", snap.SelectedID)
		return err
	}
	return nil
}

func quoteTable(w io.Writer, quotes []model.ResolvedQuote) error {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, " \tID\tBRIDGE\tRECEIVE\tMIN\tFEE_USD\tGAS_USD\tETA\tAPPROVE")
	for _, q := range quotes {
		marker := " "
		switch {
		case q.Selected && q.Best:
			marker = "*>"
		case q.Best:
			marker = "*"
		case q.Selected:
			marker = ">"
		}
		approve := "-"
		switch {
		case q.ShouldTwoStepApprove:
			approve = "reset+approve"
		case q.ShouldApprove:
			approve = "approve"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\t%.2f\t%s\t%s\n",
			marker, q.ID(), q.BridgeName, q.ToAmount.AmountDecimal, q.ToAmountMin.AmountDecimal,
			q.FeeUSD, q.GasFeeUSD, (time.Duration(q.DurationSec) * time.Second).String(), approve)
	}
	return tw.Flush()
}

func renderRecords(w io.Writer, views []model.RecordView) error {
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "[]")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "HASH\tSTATUS\tROUTE\tAMOUNT\tVIA\tCREATED\tNOTICE")
	for _, v := range views {
		notice := v.Notice
		if v.Archived {
			notice = strings.TrimSpace("archived " + notice)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d->%d\t%s\t%s/%s\t%s\t%s\n",
			v.Hash, v.Status, v.FromChainID, v.ToChainID, v.FromAmount.AmountDecimal,
			v.DexID, v.BridgeID, v.CreatedAt.UTC().Format(time.RFC3339), notice)
	}
	return tw.Flush()
}

func project(data any, fields []string) any {
	n := normalizeValue(data)
	switch t := n.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, projectMap(m, fields))
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return n
	}
}

func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	return out
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

func toLine(v any) (string, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, t[k]))
		}
		return strings.Join(parts, " "), nil
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
}
