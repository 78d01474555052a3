package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bmie/internal/job"
)

func sampleEvents() []job.Event {
	at := time.Unix(1_700_000_000, 123_000_000).UTC()
	return []job.Event{
		{Seq: 0, RunID: "run-1", Type: job.EventStep, At: at, Step: "Processing 2 URLs"},
		{Seq: 1, RunID: "run-1", Type: job.EventProgress, At: at, Percent: 0},
		{Seq: 2, RunID: "run-1", Type: job.EventFile, At: at, File: &job.Artifact{
			Name:    "https___a_test.json",
			Kind:    job.ArtifactJSON,
			Content: "{\"title\":\"A\\nline\"}",
			Path:    "/processed_data/https___a_test.json",
		}},
		{Seq: 3, RunID: "run-1", Type: job.EventItem, At: at, Item: &job.ItemStatus{
			ID:       "https://b.test",
			State:    job.ItemPermanentlyFailed,
			Attempts: 3,
			Err:      &job.ItemError{Kind: job.KindTransient, Message: "status 503", StatusCode: 503},
		}},
		{Seq: 4, RunID: "run-1", Type: job.EventProgress, At: at, Percent: 50},
		{Seq: 5, RunID: "run-1", Type: job.EventStats, At: at, Stats: &job.Stats{
			TotalTime: 1.25, ProcessedFiles: 2, Errors: 1, SuccessRate: 50, ProcessedURLs: 2, TotalURLs: 2, Succeeded: 1,
		}},
		{Seq: 6, RunID: "run-1", Type: job.EventAborted, At: at, Message: "run aborted", State: job.RunAborted},
		{Seq: 7, RunID: "run-1", Type: job.EventFinal, At: at, Message: "Processed 2 URLs", State: job.RunAborted},
	}
}

func encodeAll(t *testing.T, events []job.Event) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, evt := range events {
		require.NoError(t, enc.Encode(evt))
	}
	return buf.Bytes()
}

func TestRoundTripAcrossEveryChunkSplit(t *testing.T) {
	t.Parallel()

	events := sampleEvents()
	data := encodeAll(t, events)
	require.Equal(t, len(events), bytes.Count(data, []byte("\n")))

	for split := 0; split <= len(data); split++ {
		dec := NewDecoder()
		var got []job.Event
		for _, chunk := range [][]byte{data[:split], data[split:]} {
			for _, rec := range dec.Feed(chunk) {
				require.NoError(t, rec.Err)
				got = append(got, rec.Event)
			}
		}
		require.Empty(t, dec.Flush())
		require.Equal(t, events, got, "split at %d", split)
	}
}

func TestRoundTripByteAtATime(t *testing.T) {
	t.Parallel()

	events := sampleEvents()
	data := encodeAll(t, events)

	dec := NewDecoder()
	var got []job.Event
	for i := range data {
		for _, rec := range dec.Feed(data[i : i+1]) {
			require.NoError(t, rec.Err)
			got = append(got, rec.Event)
		}
	}
	require.Equal(t, events, got)
	require.Zero(t, dec.Pending())
}

func TestDecoderReportsMalformedRecordAndContinues(t *testing.T) {
	t.Parallel()

	input := `{"type":"step","seq":0,"value":"one"}` + "\n" +
		`{"type":"step","seq":1,"value":` + "\n" +
		"\n" +
		`{"type":"teleport","seq":2}` + "\r\n" +
		`{"type":"progress","seq":3,"value":40}` + "\n" +
		`{"type":"final","seq":4,"value":"done","state":"completed"}`

	var (
		events []job.Event
		errs   []error
	)
	err := Decode(strings.NewReader(input), func(rec Record) error {
		if rec.Err != nil {
			errs = append(errs, rec.Err)
			return nil
		}
		events = append(events, rec.Event)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, errs, 2)
	var recErr *RecordError
	require.ErrorAs(t, errs[0], &recErr)
	require.Equal(t, 2, recErr.Line)
	require.ErrorAs(t, errs[1], &recErr)
	require.Equal(t, 3, recErr.Line)
	require.Contains(t, recErr.Error(), "teleport")

	require.Len(t, events, 3)
	require.Equal(t, "one", events[0].Step)
	require.Equal(t, 40, events[1].Percent)
	require.Equal(t, job.EventFinal, events[2].Type)
	require.Equal(t, job.RunCompleted, events[2].State)
	require.Equal(t, "done", events[2].Message)
}

func TestDecoderAcceptsRecordsWithoutSequence(t *testing.T) {
	t.Parallel()

	input := `{"type":"file","name":"a.md","fileType":"markdown","content":"# A","path":"/processed_data/a.md"}` + "\n"
	recs := NewDecoder().Feed([]byte(input))
	require.Len(t, recs, 1)
	require.NoError(t, recs[0].Err)
	require.Equal(t, &job.Artifact{
		Name: "a.md", Kind: job.ArtifactMarkdown, Content: "# A", Path: "/processed_data/a.md",
	}, recs[0].Event.File)
}

func TestDecoderSkipsOversizedRecord(t *testing.T) {
	t.Parallel()

	dec := NewDecoder().WithMaxRecordSize(64)
	big := `{"type":"step","seq":0,"value":"` + strings.Repeat("x", 200) + `"}`
	recs := dec.Feed([]byte(big[:100]))
	require.Len(t, recs, 1)
	require.ErrorIs(t, recs[0].Err, ErrRecordTooLarge)

	recs = dec.Feed([]byte(big[100:] + "\n" + `{"type":"step","seq":1,"value":"ok"}` + "\n"))
	require.Len(t, recs, 1)
	require.NoError(t, recs[0].Err)
	require.Equal(t, "ok", recs[0].Event.Step)
}

func TestDecodeStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	data := encodeAll(t, sampleEvents())
	stop := errors.New("stop")
	calls := 0
	err := Decode(bytes.NewReader(data), func(Record) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, calls)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestDecodeSurfacesReadError(t *testing.T) {
	t.Parallel()

	err := Decode(failingReader{}, func(Record) error { return nil })
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestMarshalRejectsIncompleteEvents(t *testing.T) {
	t.Parallel()

	_, err := Marshal(job.Event{Type: job.EventFile})
	require.Error(t, err)
	_, err = Marshal(job.Event{Type: job.EventFile, File: &job.Artifact{Kind: job.ArtifactJSON, Content: "{}"}})
	require.ErrorContains(t, err, "no name")
	_, err = Marshal(job.Event{Type: job.EventStats})
	require.Error(t, err)
	_, err = Marshal(job.Event{Type: "bogus"})
	require.Error(t, err)
}

func TestEncoderFlushesHTTPResponses(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	enc := NewEncoder(rec)
	require.NoError(t, enc.Encode(job.Event{Type: job.EventProgress, Percent: 10}))
	require.True(t, rec.Flushed)
	require.Equal(t, `{"type":"progress","seq":0,"value":10}`+"\n", rec.Body.String())
}

func TestLogReplayAndFollow(t *testing.T) {
	t.Parallel()

	log := NewLog("run-9")
	first, ok := log.Append(job.Event{Type: job.EventStep, Step: "a"})
	require.True(t, ok)
	require.Equal(t, 0, first.Seq)
	require.Equal(t, "run-9", first.RunID)

	var (
		mu   sync.Mutex
		seen []int
		wg   sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := log.Follow(context.Background(), 0, func(evt job.Event) error {
			mu.Lock()
			seen = append(seen, evt.Seq)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Error(err)
		}
	}()

	log.Append(job.Event{Type: job.EventProgress, Percent: 50})
	log.Append(job.Event{Type: job.EventFinal, Message: "done"})
	log.Close()
	wg.Wait()

	_, ok = log.Append(job.Event{Type: job.EventStep})
	require.False(t, ok)
	require.Equal(t, []int{0, 1, 2}, seen)
	require.Equal(t, 3, log.Len())

	events, done, err := log.Next(context.Background(), 2)
	require.NoError(t, err)
	require.False(t, done)
	require.Len(t, events, 1)

	_, done, err = log.Next(context.Background(), 3)
	require.NoError(t, err)
	require.True(t, done)
}

func TestLogNextHonorsContext(t *testing.T) {
	t.Parallel()

	log := NewLog("run")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := log.Next(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
