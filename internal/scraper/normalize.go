// Package scraper implements notice fetching, normalization and ingestion.
package scraper

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"editais/ingest-service/internal/model"
)

// Normalize maps a partial registry item onto a fully populated Notice.
//
// It never fails. Absent fields fall back to the model sentinels, and a
// missing or unparseable publication date falls back to windowStart so that
// defaulted records still land inside the window that was queried.
func Normalize(raw model.RawNotice, windowStart time.Time) model.Notice {
	n := model.Notice{MergeKey: MergeKey(raw)}

	n.Title = orDefault(raw.Title, model.DefaultTitle, model.FieldTitle, &n.Defaulted)
	n.IssuingBody = orDefault(raw.IssuingBody, model.DefaultIssuingBody, model.FieldIssuingBody, &n.Defaulted)
	n.RegionCode = orDefault(strings.ToUpper(strings.TrimSpace(raw.RegionCode)), model.DefaultRegionCode, model.FieldRegionCode, &n.Defaulted)
	n.Modality = orDefault(raw.Modality, model.DefaultModality, model.FieldModality, &n.Defaulted)
	n.SourceLink = orDefault(raw.SourceLink, model.DefaultSourceLink, model.FieldSourceLink, &n.Defaulted)

	if d, ok := parseDate(raw.PublicationDate); ok {
		n.PublicationDate = d
	} else {
		n.PublicationDate = dateOnly(windowStart)
		n.Defaulted |= model.FieldPublicationDate
	}

	n.EstimatedValue = parseValue(raw.EstimatedValue)
	n.Description = truncate(strings.TrimSpace(raw.Description), maxDescriptionRunes)
	return n
}

const maxDescriptionRunes = 200

// parseValue reads a positive monetary amount. Zero, negative and
// non-numeric values are treated as absent.
func parseValue(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

func orDefault(v, def string, f model.Field, mask *model.Field) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	*mask |= f
	return def
}

// parseDate accepts "2006-01-02" optionally followed by a time part, as the
// registry sends both shapes.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len(model.DateLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(model.DateLayout, s[:len(model.DateLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// dateOnly keeps the calendar date of t as seen in its own location.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MergeKey derives the natural key a notice is upserted by.
//
// The registry control number is used when present. Otherwise the key hashes
// the upstream issuing body, title and publication date (never their
// defaults), so the same item resolves to the same row on every fetch. When
// all three are missing the source link is hashed instead, so anonymous items
// with distinct links stay distinct.
func MergeKey(raw model.RawNotice) string {
	if c := strings.TrimSpace(raw.ControlNumber); c != "" {
		return "pncp:" + c
	}

	date := strings.TrimSpace(raw.PublicationDate)
	if d, ok := parseDate(date); ok {
		date = d.Format(model.DateLayout)
	} else {
		date = ""
	}

	body := strings.TrimSpace(raw.IssuingBody)
	title := strings.TrimSpace(raw.Title)

	h := sha256.New()
	h.Write([]byte(body))
	h.Write([]byte{0x1f})
	h.Write([]byte(title))
	h.Write([]byte{0x1f})
	h.Write([]byte(date))
	if body == "" && title == "" && date == "" {
		if link := strings.TrimSpace(raw.SourceLink); link != "" {
			h.Write([]byte{0x1f})
			h.Write([]byte(link))
		}
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
