// Package keys builds and parses the local store key layout.
//
// Layout:
//
//	sessions_{owner}                         ledger
//	sessions_backup_{owner}_{unixmillis}     corrupt ledger backup
//	selectedSite                             last selected site
//	lastAction_{owner}                       last user-facing message
//	entryImage_{owner}_{site}_{YYYY-MM-DD}   entry asset record
//	exitImage_{owner}_{site}_{YYYY-MM-DD}    exit asset record
//	jornada_{YYYY-MM-DD}_{owner}             closed-day snapshot
//
// Owners and sites never contain the separator, so every asset key has
// exactly one parse.
package keys

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/clockin/internal/model"
)

// Separator joins key segments.
const Separator = "_"

// CheckSegment rejects values that cannot be embedded in a key. what names
// the value in the error.
func CheckSegment(what, v string) error {
	if v == "" {
		return fmt.Errorf("%s is empty", what)
	}
	if strings.Contains(v, Separator) {
		return fmt.Errorf("%s %q contains %q", what, v, Separator)
	}
	return nil
}

// SelectedSite stores the last site the user picked.
const SelectedSite = "selectedSite"

// Sessions returns the ledger key.
func Sessions(owner string) string { return "sessions_" + owner }

// SessionsBackup returns the key a corrupt ledger is copied to.
func SessionsBackup(owner string, at time.Time) string {
	return fmt.Sprintf("sessions_backup_%s_%d", owner, at.UnixMilli())
}

// LastAction returns the last-action message key.
func LastAction(owner string) string { return "lastAction_" + owner }

// Jornada returns the closed-day snapshot key.
func Jornada(date, owner string) string { return fmt.Sprintf("jornada_%s_%s", date, owner) }

// AssetKey identifies one asset record.
type AssetKey struct {
	Kind  model.AssetKind
	Owner string
	Site  model.Site
	Date  string
}

// Asset returns the asset record key for kind, owner, site and date.
func Asset(kind model.AssetKind, owner string, site model.Site, date string) string {
	return AssetKey{Kind: kind, Owner: owner, Site: site, Date: date}.String()
}

func (k AssetKey) String() string {
	return fmt.Sprintf("%s_%s_%s_%s", k.Kind, k.Owner, k.Site, k.Date)
}

// ParseAsset parses an asset record key belonging to owner. The date is the
// last segment and must be a valid calendar date. The site is the single
// segment between the owner and the date.
func ParseAsset(key, owner string) (AssetKey, bool) {
	for _, kind := range []model.AssetKind{model.AssetEntry, model.AssetExit} {
		prefix := string(kind) + "_" + owner + "_"
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		i := strings.LastIndex(rest, Separator)
		if i <= 0 {
			return AssetKey{}, false
		}
		site, date := rest[:i], rest[i+1:]
		if strings.Contains(site, Separator) {
			return AssetKey{}, false
		}
		if _, err := time.Parse(model.DateLayout, date); err != nil {
			return AssetKey{}, false
		}
		return AssetKey{Kind: kind, Owner: owner, Site: model.NormalizeSite(site), Date: date}, true
	}
	return AssetKey{}, false
}

// OwnerAssets returns every asset key of owner among keys, newest first.
func OwnerAssets(keys []string, owner string) []AssetKey {
	var out []AssetKey
	for _, k := range keys {
		if ak, ok := ParseAsset(k, owner); ok {
			out = append(out, ak)
		}
	}
	sortNewestFirst(out)
	return out
}

// SiteAssets returns the asset keys of one kind and site, newest first.
// Ties on date are broken by descending key order.
func SiteAssets(keys []string, kind model.AssetKind, owner string, site model.Site) []AssetKey {
	var out []AssetKey
	for _, ak := range OwnerAssets(keys, owner) {
		if ak.Kind == kind && ak.Site == site {
			out = append(out, ak)
		}
	}
	return out
}

func sortNewestFirst(ks []AssetKey) {
	slices.SortStableFunc(ks, func(a, b AssetKey) int {
		if c := strings.Compare(b.Date, a.Date); c != 0 {
			return c
		}
		return strings.Compare(b.String(), a.String())
	})
}
