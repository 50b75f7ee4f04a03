package tunerapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/broadcaster"
	"github.com/meridiantv/broadcastd/internal/model"
)

var errChannelNotFound = errors.New("channel not found")

type fakeChannels struct {
	byNumber map[string]*model.Channel
	enabled  []*model.Channel
}

func (f *fakeChannels) GetChannel(number string) (*model.Channel, error) {
	ch, ok := f.byNumber[number]
	if !ok {
		return nil, errChannelNotFound
	}
	return ch, nil
}

func (f *fakeChannels) ListEnabledChannels() ([]*model.Channel, error) { return f.enabled, nil }

type fakeStreamBroadcaster struct {
	started  bool
	detached string
	chunks   chan broadcaster.Chunk
}

func (f *fakeStreamBroadcaster) Start(context.Context) { f.started = true }
func (f *fakeStreamBroadcaster) AttachClient(capacityChunks int) (<-chan broadcaster.Chunk, string) {
	return f.chunks, "session-1"
}
func (f *fakeStreamBroadcaster) DetachClient(sessionID string) { f.detached = sessionID }

type fakeBroadcasters struct {
	byChannelID map[int64]*fakeStreamBroadcaster
}

func (f *fakeBroadcasters) Get(channelID int64) (StreamBroadcaster, bool) {
	b, ok := f.byChannelID[channelID]
	return b, ok
}

type fakeEPG struct{ doc []byte }

func (f fakeEPG) Bytes() []byte { return f.doc }

func newTestServer(channels *fakeChannels, broadcasters *fakeBroadcasters) *Server {
	return New(Config{DeviceID: "bad-id"}, channels, broadcasters, fakeEPG{doc: []byte("<tv/>")}, zerolog.Nop())
}

func TestDiscoverNormalizesInvalidDeviceID(t *testing.T) {
	s := newTestServer(&fakeChannels{}, &fakeBroadcasters{})
	req := httptest.NewRequest(http.MethodGet, "http://broadcastd.local/discover", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"DeviceID":"E5E17001"`)
	require.Contains(t, w.Body.String(), `"TunerCount":4`)
}

func TestLineupOrdersByChannelNumberAndCarriesURL(t *testing.T) {
	channels := &fakeChannels{enabled: []*model.Channel{
		{ID: 1, Number: "1", Name: "News"},
		{ID: 2, Number: "2", Name: "Sports"},
	}}
	s := newTestServer(channels, &fakeBroadcasters{})
	req := httptest.NewRequest(http.MethodGet, "http://broadcastd.local/lineup", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.Contains(t, body, `"GuideNumber":"1"`)
	require.Contains(t, body, `"GuideNumber":"2"`)
	require.Less(t, strings.Index(body, `"GuideNumber":"1"`), strings.Index(body, `"GuideNumber":"2"`),
		"entries keep the store's by-number order")
	require.Contains(t, body, `/iptv/channel/1.ts`)
}

func TestTuneMissingChannelReturns404(t *testing.T) {
	s := newTestServer(&fakeChannels{byNumber: map[string]*model.Channel{}}, &fakeBroadcasters{})
	req := httptest.NewRequest(http.MethodGet, "/tune/tuner0?channel=auto:v99", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTuneDisabledChannelReturns403(t *testing.T) {
	channels := &fakeChannels{byNumber: map[string]*model.Channel{
		"5": {ID: 5, Number: "5", Enabled: false},
	}}
	s := newTestServer(channels, &fakeBroadcasters{})
	req := httptest.NewRequest(http.MethodGet, "/tune/tuner0?channel=auto:v5", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestTuneStreamsChunksFromAttachedBroadcaster(t *testing.T) {
	chunks := make(chan broadcaster.Chunk, 1)
	chunks <- broadcaster.Chunk("mpegts-bytes")
	close(chunks)
	fb := &fakeStreamBroadcaster{chunks: chunks}
	channels := &fakeChannels{byNumber: map[string]*model.Channel{
		"7": {ID: 7, Number: "7", Enabled: true},
	}}
	broadcasters := &fakeBroadcasters{byChannelID: map[int64]*fakeStreamBroadcaster{7: fb}}
	s := newTestServer(channels, broadcasters)

	req := httptest.NewRequest(http.MethodGet, "/tune/tuner0?channel=auto:v7", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "mpegts-bytes", w.Body.String())
	require.True(t, fb.started)
	require.Equal(t, "session-1", fb.detached)
	require.Equal(t, "video/mp2t", w.Header().Get("Content-Type"))
}

func TestStreamByNumberNeverIntParsesChannelNumber(t *testing.T) {
	chunks := make(chan broadcaster.Chunk)
	close(chunks)
	fb := &fakeStreamBroadcaster{chunks: chunks}
	channels := &fakeChannels{byNumber: map[string]*model.Channel{
		"007": {ID: 3, Number: "007", Enabled: true},
	}}
	broadcasters := &fakeBroadcasters{byChannelID: map[int64]*fakeStreamBroadcaster{3: fb}}
	s := newTestServer(channels, broadcasters)

	req := httptest.NewRequest(http.MethodGet, "/iptv/channel/007.ts", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "a leading-zero channel number must survive string lookup, not int-parse")
}

func TestEPGServesCachedDocument(t *testing.T) {
	s := newTestServer(&fakeChannels{}, &fakeBroadcasters{})
	req := httptest.NewRequest(http.MethodGet, "/epg.xml", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "<tv/>", w.Body.String())
}

func TestPlaylistListsEnabledChannels(t *testing.T) {
	channels := &fakeChannels{enabled: []*model.Channel{{ID: 1, Number: "9", Name: "Classic Movies"}}}
	s := newTestServer(channels, &fakeBroadcasters{})
	req := httptest.NewRequest(http.MethodGet, "http://broadcastd.local/iptv/playlist.m3u", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "#EXTM3U")
	require.Contains(t, w.Body.String(), "/iptv/channel/9.ts")
}
