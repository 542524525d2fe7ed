package session

import "github.com/vango-go/callbridge/pkg/gateway/live/realtime"

// markName is the name attached to every playback mark sent to the telephony leg.
const markName = "responsePart"

// timeline tracks how much inbound media has elapsed and which AI audio is
// still queued for playback, so a barge-in can truncate at the right offset.
type timeline struct {
	mediaMS    int64
	startMS    int64
	haveStart  bool
	lastItemID string
	marks      []string
}

// observeMedia advances the media clock. Older timestamps are ignored.
func (t *timeline) observeMedia(ts int64) {
	if ts > t.mediaMS {
		t.mediaMS = ts
	}
}

// noteAudio records an outbound AI audio chunk for itemID.
func (t *timeline) noteAudio(itemID string) {
	if !t.haveStart {
		t.startMS = t.mediaMS
		t.haveStart = true
	}
	if itemID != "" {
		t.lastItemID = itemID
	}
}

func (t *timeline) pushMark() string {
	t.marks = append(t.marks, markName)
	return markName
}

// ackMark drops the oldest pending mark. Acks with nothing pending are ignored.
func (t *timeline) ackMark() {
	if len(t.marks) == 0 {
		return
	}
	t.marks = t.marks[1:]
}

func (t *timeline) pending() int { return len(t.marks) }

// interrupt handles caller speech over AI playback. It reports whether
// playback was in flight (the telephony buffer must be cleared) and, when an
// item is known, the truncate event for the AI leg. State is reset either way.
func (t *timeline) interrupt() (truncate *realtime.ItemTruncate, active bool) {
	if len(t.marks) == 0 || !t.haveStart {
		return nil, false
	}
	if t.lastItemID != "" {
		ev := realtime.NewItemTruncate(t.lastItemID, t.mediaMS-t.startMS)
		truncate = &ev
	}
	t.resetPlayback()
	return truncate, true
}

// resetPlayback forgets in-flight AI audio without touching the media clock.
func (t *timeline) resetPlayback() {
	t.marks = t.marks[:0]
	t.lastItemID = ""
	t.startMS = 0
	t.haveStart = false
}

// reset clears everything, including the media clock. Used when a new stream starts.
func (t *timeline) reset() {
	t.resetPlayback()
	t.mediaMS = 0
}
