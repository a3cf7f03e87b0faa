package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/roach88/clockin/internal/attendance"
	"github.com/roach88/clockin/internal/keys"
	"github.com/roach88/clockin/internal/kv"
	"github.com/roach88/clockin/internal/ledger"
	"github.com/roach88/clockin/internal/model"
	"github.com/roach88/clockin/internal/reconcile"
	"github.com/roach88/clockin/internal/remote"
	"github.com/roach88/clockin/internal/syncer"
)

func receiptText(action string, r attendance.Receipt) string {
	var b strings.Builder
	at := r.Session.Entry
	if action == "exit" {
		at = r.Session.Exit
	}
	fmt.Fprintf(&b, "✓ %s registered at %s (%s)", strings.ToUpper(action[:1])+action[1:], r.Site, at)
	if r.Recovered {
		b.WriteString("\n  open session recovered from its entry photo")
	}
	if !r.Uploaded {
		b.WriteString("\n  photo pending upload")
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "\n  warning: %s", w)
	}
	return b.String()
}

func jornadaText(j model.Jornada) string {
	return fmt.Sprintf("✓ Day %s closed: %s (%s)", j.Fecha, j.Hours.Total, strings.Join(j.IncludedDates, ", "))
}

func syncText(r syncer.Report) string {
	if r.Skipped {
		return "Sync already running"
	}
	s := fmt.Sprintf("✓ Synced: %d uploaded, %d pushed", r.Uploaded, r.Pushed)
	if r.UploadFailures+r.PushFailures > 0 {
		s += fmt.Sprintf(" (%d upload and %d push failure(s))", r.UploadFailures, r.PushFailures)
	}
	return s
}

func statusText(st attendance.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Owner:    %s\n", st.Owner)
	fmt.Fprintf(&b, "Selected: %s\n", st.Selected)
	open := "none"
	if len(st.OpenSites) > 0 {
		names := make([]string, len(st.OpenSites))
		for i, s := range st.OpenSites {
			names[i] = string(s)
		}
		open = strings.Join(names, ", ")
	}
	fmt.Fprintf(&b, "Open:     %s\n", open)
	if st.LastAction != "" {
		fmt.Fprintf(&b, "Last:     %s\n", st.LastAction)
	}
	fmt.Fprintf(&b, "Worked:   %s", st.Report.Total.Total)
	return b.String()
}

func reportText(r attendance.Report, snap ledger.Sessions) string {
	var b strings.Builder
	for _, sr := range r.Sites {
		fmt.Fprintf(&b, "%s  %s\n", sr.Site, sr.Hours.Total)
		for _, s := range snap[sr.Site] {
			exit := "open"
			if s.Exit != "" {
				exit = s.Exit
			}
			fmt.Fprintf(&b, "  %s → %s\n", s.Entry, exit)
		}
	}
	fmt.Fprintf(&b, "Total  %s", r.Total.Total)
	return b.String()
}

// closedDay is one entry of the history listing.
type closedDay struct {
	ID    string `json:"id"`
	Fecha string `json:"fecha"`
	Total string `json:"total"`
}

func closedDays(ctx context.Context, a *app) ([]closedDay, error) {
	recs, err := a.docs.Query(ctx, remote.CollectionJornadas, remote.Filter{"userId": a.owner})
	if err != nil {
		return nil, err
	}
	days := make([]closedDay, 0, len(recs))
	for _, r := range recs {
		d := closedDay{ID: r.ID}
		d.Fecha, _ = r.Doc["fecha"].(string)
		if h, ok := r.Doc["horasCalculadas"].(map[string]any); ok {
			d.Total, _ = h["total"].(string)
		}
		days = append(days, d)
	}
	return days, nil
}

func historyText(days []closedDay) string {
	if len(days) == 0 {
		return "No closed days"
	}
	var b strings.Builder
	for i, d := range days {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s  %s", d.Fecha, d.Total)
	}
	return b.String()
}

func reconcileSuffix(res reconcile.Result) string {
	switch {
	case res.Recovered:
		return ": recovered open session from " + res.Session.EntryKey
	case res.BlockedBy != "":
		return ": recovery blocked, " + string(res.BlockedBy) + " is open"
	case res.DanglingExit:
		return ": exit photo without entry"
	default:
		return ""
	}
}

// probeRecords runs the probing repair over every asset record of the owner.
func probeRecords(ctx context.Context, a *app) (int, error) {
	all, err := a.store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, ak := range keys.OwnerAssets(all, a.owner) {
		key := ak.String()
		var before model.AssetRecord
		if _, err := kv.GetJSON(ctx, a.store, key, &before); err != nil {
			a.log.Warn("skip unreadable asset record", "key", key, "error", err)
			continue
		}
		rec, ok, err := a.repair.RepairRecord(ctx, key)
		if err != nil {
			a.log.Warn("skip unreadable asset record", "key", key, "error", err)
			continue
		}
		if ok && rec.ImageURL != before.ImageURL {
			fixed++
		}
	}
	return fixed, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
