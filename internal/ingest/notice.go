package ingest

import (
	"strings"

	"github.com/stanstork/harvest-api/internal/payload"
)

type NoticeKind string

const (
	NoticeNone    NoticeKind = ""
	NoticeSuccess NoticeKind = "success"
	NoticeFailure NoticeKind = "failure"
	// NoticePending is a progress update that changes nothing.
	NoticePending NoticeKind = "pending"
)

// Notice is a provider status notification. It can arrive alone or wrapped
// around the records it announces.
type Notice struct {
	Kind        NoticeKind
	Status      string
	Message     string
	FollowUpURL string
	// Standalone is set when the delivery carries no records of its own.
	Standalone bool
}

// DetectNotice inspects the envelope, or a lone item, for a status field. A
// lone item only counts as a notice when it has no record id, no field a
// record would carry and a status from the known vocabulary; anything else is
// left to be persisted.
func DetectNotice(rules Rules, batch payload.Batch) Notice {
	obj := batch.Envelope
	standalone := false
	if obj == nil {
		if len(batch.Items) != 1 || looksLikeRecord(rules, batch.Items[0]) {
			return Notice{}
		}
		obj = batch.Items[0]
		standalone = true
	} else {
		standalone = len(batch.Items) == 0
	}

	status, _, ok := obj.First(rules.StatusKeys...)
	if !ok {
		if url, ok := followUpURL(rules, obj); ok && standalone {
			return Notice{Kind: NoticeSuccess, FollowUpURL: url, Standalone: true}
		}
		return Notice{}
	}

	n := Notice{Status: status, Kind: statusKind(rules, status), Standalone: standalone}
	if n.Kind == NoticeNone {
		if batch.Envelope == nil {
			return Notice{}
		}
		// Wrapper status words we do not know change nothing.
		n.Kind = NoticePending
	}
	if msg, _, ok := obj.First(rules.ErrorKeys...); ok && n.Kind == NoticeFailure {
		n.Message = msg
	}
	if url, ok := followUpURL(rules, obj); ok {
		n.FollowUpURL = url
	}
	return n
}

func statusKind(rules Rules, status string) NoticeKind {
	lower := strings.ToLower(status)
	switch {
	case contains(rules.SuccessStatuses, lower):
		return NoticeSuccess
	case contains(rules.FailureStatuses, lower):
		return NoticeFailure
	case contains(rules.PendingStatuses, lower):
		return NoticePending
	}
	return NoticeNone
}

// looksLikeRecord reports whether item carries a record id, a platform
// signature field or a display field.
func looksLikeRecord(rules Rules, item payload.Item) bool {
	if _, _, ok := item.First(rules.RecordIDKeys...); ok {
		return true
	}
	for _, fields := range rules.Signatures {
		for _, f := range fields {
			if item.Has(f) {
				return true
			}
		}
	}
	d := rules.Display
	for _, keys := range [][]string{d.Author, d.Body, d.URL, d.Likes, d.Comments, d.Shares, d.Views, d.PostedAt} {
		for _, k := range keys {
			if _, _, ok := item.Lookup(k); ok {
				return true
			}
		}
	}
	return false
}

func followUpURL(rules Rules, obj payload.Item) (string, bool) {
	for _, key := range rules.FollowUpURLKeys {
		if s, ok := obj.String(key); ok && urlHost(s) != "" {
			return s, true
		}
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
