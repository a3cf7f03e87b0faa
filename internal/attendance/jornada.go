package attendance

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/roach88/clockin/internal/canon"
	"github.com/roach88/clockin/internal/model"
	"github.com/roach88/clockin/internal/remote"
)

// jornadaDoc is the remote form of a snapshot, with year, month and day
// fields for querying and a digest of its sessions.
func jornadaDoc(j model.Jornada) (remote.Doc, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	var doc remote.Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if d, err := time.Parse(model.DateLayout, j.Fecha); err == nil {
		doc["year"] = d.Year()
		doc["month"] = int(d.Month())
		doc["day"] = d.Day()
	}

	var entries []string
	for site, list := range j.Plantas {
		for _, s := range list {
			entries = append(entries, string(site)+"|"+s.Entry)
		}
	}
	slices.Sort(entries)
	digest, err := canon.JornadaDigest(j.UserID, j.Fecha, entries)
	if err != nil {
		return nil, err
	}
	doc["digest"] = digest
	return doc, nil
}
