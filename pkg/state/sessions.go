package state

import (
	"sort"
	"strconv"
	"time"

	"github.com/raterudder/evsync/pkg/normalize"
	"github.com/raterudder/evsync/pkg/types"
)

// historyMatchWindow is how far apart a history entry's start may be from a
// tracked session's start and still be the same session.
const historyMatchWindow = time.Minute

// trackSession advances the session lifecycle of one charger and returns any
// session it closed.
func (s *Site) trackSession(c types.ChargerState, live normalize.LiveSession, at time.Time) []types.SessionRecord {
	var closed []types.SessionRecord
	open, ok := s.open[c.Serial]
	inSession := c.Plugged || c.Charging

	if ok && inSession && live.PluggedInAt != nil && live.PluggedInAt.After(open.Start.Add(historyMatchWindow)) {
		// a plug-in newer than the tracked one means we missed the unplug
		closed = append(closed, s.closeSession(open, *live.PluggedInAt))
		ok = false
	}
	if ok && !inSession {
		end := at
		if live.PluggedOutAt != nil && !live.PluggedOutAt.Before(open.Start) && !live.PluggedOutAt.After(at) {
			end = *live.PluggedOutAt
		}
		return append(closed, s.closeSession(open, end))
	}
	if !inSession {
		return closed
	}

	if !ok {
		start := at
		switch {
		case live.PluggedInAt != nil:
			start = *live.PluggedInAt
		case live.Start != nil:
			start = *live.Start
		}
		open = types.SessionRecord{
			ID:     strconv.FormatInt(start.Unix(), 10),
			Serial: c.Serial,
			Start:  start,
		}
	}
	// energy never decreases while the session is open
	if live.EnergyKWh > open.EnergyKWh {
		open.EnergyKWh = live.EnergyKWh
	}
	if live.RangeAdded > open.RangeAdded {
		open.RangeAdded = live.RangeAdded
	}
	if live.AuthType != "" {
		open.AuthType = live.AuthType
	}
	s.open[c.Serial] = open
	return closed
}

func (s *Site) closeSession(sess types.SessionRecord, end time.Time) types.SessionRecord {
	if end.Before(sess.Start) {
		end = sess.Start
	}
	sess.End = &end
	delete(s.open, sess.Serial)
	s.closed = append(s.closed, sess)
	s.trimClosed()
	return copySession(sess)
}

func (s *Site) trimClosed() {
	sortSessions(s.closed)
	if n := len(s.closed) - maxClosedSessions; n > 0 {
		s.closed = append([]types.SessionRecord(nil), s.closed[n:]...)
	}
}

func sameSession(a, b types.SessionRecord) bool {
	if a.ID == b.ID {
		return true
	}
	d := a.Start.Sub(b.Start)
	if d <= historyMatchWindow && d >= -historyMatchWindow {
		return true
	}
	// a start observed late still overlaps the real interval
	return a.End != nil && b.End != nil && a.Start.Before(*b.End) && b.Start.Before(*a.End)
}

// mergeHistory folds the backend's session history into tracked sessions.
// Closed sessions only take a late cost; sessions that were never observed
// are added. It returns the sessions that changed.
func (s *Site) mergeHistory(serial string, hist []types.SessionRecord) []types.SessionRecord {
	var changed []types.SessionRecord
	for _, h := range hist {
		h.Serial = serial

		if open, ok := s.open[serial]; ok && sameSession(open, h) {
			if h.ID != strconv.FormatInt(h.Start.Unix(), 10) {
				open.ID = h.ID
			}
			if h.Cost != nil {
				cost := *h.Cost
				open.Cost = &cost
			}
			s.open[serial] = open
			continue
		}

		idx := -1
		for i, c := range s.closed {
			if c.Serial == serial && sameSession(c, h) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			cur := s.closed[idx]
			if h.Cost != nil && (cur.Cost == nil || *cur.Cost != *h.Cost) {
				cost := *h.Cost
				cur.Cost = &cost
				s.closed[idx] = cur
				changed = append(changed, copySession(cur))
			}
			continue
		}

		if h.End == nil {
			continue
		}
		s.closed = append(s.closed, copySession(h))
		changed = append(changed, copySession(h))
	}
	s.trimClosed()
	return changed
}

func copySession(sess types.SessionRecord) types.SessionRecord {
	sess.End = copyTime(sess.End)
	if sess.Cost != nil {
		c := *sess.Cost
		sess.Cost = &c
	}
	return sess
}

func sortSessions(sessions []types.SessionRecord) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].Start.Equal(sessions[j].Start) {
			return sessions[i].Start.Before(sessions[j].Start)
		}
		return sessions[i].Serial < sessions[j].Serial
	})
}
