package attendance

import (
	"github.com/roach88/clockin/internal/ledger"
	"github.com/roach88/clockin/internal/model"
)

// SessionHours returns the floored whole hours and remaining whole minutes
// of a completed session. Open or malformed sessions count as zero.
func SessionHours(s model.Session) (hours, minutes int) {
	if !s.IsComplete() {
		return 0, 0
	}
	entry, err := s.EntryTime()
	if err != nil {
		return 0, 0
	}
	exit, err := s.ExitTime()
	if err != nil || exit.Before(entry) {
		return 0, 0
	}
	d := exit.Sub(entry)
	return int(d.Hours()), int(d.Minutes()) % 60
}

// SumHours totals sessions. Each session is floored separately before
// summing, then minutes are carried into hours.
func SumHours(sessions []model.Session) model.Hours {
	var h, m int
	for _, s := range sessions {
		sh, sm := SessionHours(s)
		h += sh
		m += sm
	}
	return model.NewHours(h, m)
}

// LedgerHours totals every site.
func LedgerHours(data ledger.Sessions) model.Hours {
	var all []model.Session
	for _, list := range data {
		all = append(all, list...)
	}
	return SumHours(all)
}

// SiteReport is the worked time of one site.
type SiteReport struct {
	Site     model.Site  `json:"site"`
	Sessions int         `json:"sessions"`
	Hours    model.Hours `json:"hours"`
}

// Report is the worked time per site plus the total.
type Report struct {
	Sites []SiteReport `json:"sites"`
	Total model.Hours  `json:"total"`
}

// BuildReport totals data in the order of sites.
func BuildReport(sites []model.Site, data ledger.Sessions) Report {
	r := Report{Total: LedgerHours(data)}
	for _, site := range sites {
		r.Sites = append(r.Sites, SiteReport{
			Site:     site,
			Sessions: len(data[site]),
			Hours:    SumHours(data[site]),
		})
	}
	return r
}
