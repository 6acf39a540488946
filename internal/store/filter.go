package store

import "github.com/claude-session-broker/broker/internal/filterexpr"

func evalListFilter(candidates []Session, exprSrc string) ([]Session, error) {
	var out []Session
	for _, s := range candidates {
		rec := filterexpr.Record{
			SessionID:    s.SessionID,
			UserID:       s.UserID,
			Status:       string(s.Status),
			MessageCount: s.MessageCount,
			Metadata:     s.Metadata,
		}
		ok, err := filterexpr.Match(exprSrc, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}
