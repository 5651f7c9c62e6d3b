package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"SyncFM/config"
	"SyncFM/core/auth"
	"SyncFM/core/playlist"
	"SyncFM/core/session"
	"SyncFM/model"

	"github.com/gorilla/websocket"
)

// ---- fakes ----

type memRepo struct {
	mu     sync.Mutex
	nextID int64
	tracks map[int64]*model.Track
}

func (r *memRepo) Create(_ context.Context, t *model.Track) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	t.ID = r.nextID
	cp := *t
	r.tracks[t.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id int64) (*model.Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *memRepo) List(_ context.Context) ([]*model.Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Track
	for _, t := range r.tracks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordering < out[j].Ordering })
	return out, nil
}

func (r *memRepo) ExistsByID(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tracks[id]
	return ok, nil
}

func (r *memRepo) ExistsByPath(_ context.Context, p string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tracks {
		if t.Path == p {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) UpdateTitle(_ context.Context, id int64, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tracks[id]; ok {
		t.Title = title
	}
	return nil
}

func (r *memRepo) SetHasArt(_ context.Context, id int64, hasArt bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tracks[id]; ok {
		t.HasArt = hasArt
	}
	return nil
}

func (r *memRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracks, id)
	return nil
}

func (r *memRepo) Reorder(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range ids {
		if t, ok := r.tracks[id]; ok {
			t.Ordering = i
		}
	}
	return nil
}

func (r *memRepo) NextOrdering(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := 0
	for _, t := range r.tracks {
		if t.Ordering > max {
			max = t.Ordering
		}
	}
	return max + 1, nil
}

type memMedia struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memMedia) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memMedia) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memMedia) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memMedia) PresignedURL(_ context.Context, key string, _ time.Duration) (*url.URL, error) {
	return url.Parse("http://media.test/" + key + "?sig=x")
}

type fixedOnline int64

func (n fixedOnline) ActiveOnlineCount(context.Context, string) (int64, error) {
	return int64(n), nil
}

// ---- harness ----

const testPassword = "hunter2"

type testServer struct {
	*httptest.Server
	media  *memMedia
	client *http.Client
}

func newTestServer(t *testing.T, withAuth bool) *testServer {
	t.Helper()

	cfg := &config.Config{MaxUploadBytes: 1 << 20}
	var issuer *auth.TokenIssuer
	if withAuth {
		hash, err := auth.HashPassword(testPassword)
		if err != nil {
			t.Fatal(err)
		}
		cfg.ControlPasswordHash = hash
		issuer = auth.NewTokenIssuer("test-secret", hash, time.Hour)
	}

	hub := session.NewHub(nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	media := &memMedia{objects: make(map[string][]byte)}
	svc := playlist.NewService(&memRepo{tracks: make(map[int64]*model.Track)}, media, nil, cfg.MaxUploadBytes)
	manager := session.NewManager(hub, svc)
	svc.SetRemover(manager)

	srv := httptest.NewServer(NewRouter(NewAPIHandler(svc, manager, fixedOnline(3), issuer, cfg)))
	t.Cleanup(srv.Close)

	return &testServer{
		Server: srv,
		media:  media,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (s *testServer) do(t *testing.T, method, path, token string, body io.Reader, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) postJSON(t *testing.T, path, token string, v interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return s.do(t, http.MethodPost, path, token, bytes.NewReader(data), map[string]string{"Content-Type": "application/json"})
}

func (s *testServer) upload(t *testing.T, token, filename string, data []byte) *http.Response {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/upload", token, bytes.NewReader(data), map[string]string{"X-Filename": filename})
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s status = %d, want %d (%s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, strings.TrimSpace(string(body)))
	}
}

func wavBytes(sampleRate, samples int) []byte {
	var buf bytes.Buffer
	dataSize := uint32(samples * 2)
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36)+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

// ---- tests ----

func TestPlaylist_UploadListAndStream(t *testing.T) {
	s := newTestServer(t, false)

	resp := s.upload(t, "", "my_song.wav", wavBytes(8000, 8000))
	expectStatus(t, resp, http.StatusCreated)
	var created model.Track
	decode(t, resp, &created)
	if created.ID == 0 || created.Title != "My song" || created.Path != "uploads/my_song.wav" {
		t.Errorf("created = %+v", created)
	}

	resp = s.do(t, http.MethodGet, "/api/playlist", "", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var tracks []model.Track
	decode(t, resp, &tracks)
	if len(tracks) != 1 || tracks[0].ID != created.ID {
		t.Fatalf("playlist = %+v, want the uploaded track", tracks)
	}

	resp = s.do(t, http.MethodGet, fmt.Sprintf("/api/tracks/%d/stream", created.ID), "", nil, nil)
	expectStatus(t, resp, http.StatusFound)
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, "uploads/my_song.wav") {
		t.Errorf("Location = %q, want presigned object link", loc)
	}
}

func TestPlaylist_Errors(t *testing.T) {
	s := newTestServer(t, false)

	tests := []struct {
		name string
		resp func() *http.Response
		want int
	}{
		{"missing filename", func() *http.Response {
			return s.do(t, http.MethodPost, "/api/upload", "", bytes.NewReader(wavBytes(8000, 10)), nil)
		}, http.StatusBadRequest},
		{"not audio", func() *http.Response {
			return s.upload(t, "", "notes.mp3", []byte("just some text, definitely not audio"))
		}, http.StatusUnsupportedMediaType},
		{"too large", func() *http.Response {
			return s.upload(t, "", "big.wav", wavBytes(8000, 1<<19))
		}, http.StatusRequestEntityTooLarge},
		{"unknown stream", func() *http.Response {
			return s.do(t, http.MethodGet, "/api/tracks/99/stream", "", nil, nil)
		}, http.StatusNotFound},
		{"bad id", func() *http.Response {
			return s.do(t, http.MethodGet, "/api/tracks/abc/stream", "", nil, nil)
		}, http.StatusBadRequest},
		{"delete unknown", func() *http.Response {
			return s.postJSON(t, "/api/playlist/delete", "", map[string]int64{"id": 42})
		}, http.StatusNotFound},
		{"blank rename", func() *http.Response {
			return s.postJSON(t, "/api/playlist/rename", "", map[string]interface{}{"id": 1, "name": "  "})
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.resp().StatusCode; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPlaylist_RenameReorderAndArt(t *testing.T) {
	s := newTestServer(t, false)

	var a, b model.Track
	resp := s.upload(t, "", "a.wav", wavBytes(8000, 100))
	expectStatus(t, resp, http.StatusCreated)
	decode(t, resp, &a)
	resp = s.upload(t, "", "b.wav", wavBytes(8000, 100))
	expectStatus(t, resp, http.StatusCreated)
	decode(t, resp, &b)

	resp = s.postJSON(t, "/api/playlist/rename", "", map[string]interface{}{"id": a.ID, "name": "Opening"})
	expectStatus(t, resp, http.StatusOK)

	resp = s.postJSON(t, "/api/playlist/reorder", "", map[string][]int64{"order": {b.ID, a.ID}})
	expectStatus(t, resp, http.StatusOK)

	resp = s.do(t, http.MethodGet, "/api/playlist", "", nil, nil)
	var tracks []model.Track
	decode(t, resp, &tracks)
	if len(tracks) != 2 || tracks[0].ID != b.ID || tracks[1].Title != "Opening" {
		t.Fatalf("playlist = %+v, want [b, Opening]", tracks)
	}

	resp = s.do(t, http.MethodGet, fmt.Sprintf("/api/tracks/%d/art", a.ID), "", nil, nil)
	expectStatus(t, resp, http.StatusNotFound)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("id", fmt.Sprint(a.ID))
	fw, _ := mw.CreateFormFile("file", "cover.png")
	fw.Write(pngHeader)
	mw.Close()
	resp = s.do(t, http.MethodPost, "/api/playlist/upload-art", "", &body, map[string]string{"Content-Type": mw.FormDataContentType()})
	expectStatus(t, resp, http.StatusOK)

	resp = s.do(t, http.MethodGet, fmt.Sprintf("/api/tracks/%d/art", a.ID), "", nil, nil)
	expectStatus(t, resp, http.StatusFound)
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, model.ArtKey(a.ID)) {
		t.Errorf("Location = %q, want art key", loc)
	}
}

func TestSession_ActionsOverHTTP(t *testing.T) {
	s := newTestServer(t, false)

	resp := s.upload(t, "", "a.wav", wavBytes(8000, 100))
	var track model.Track
	decode(t, resp, &track)

	resp = s.postJSON(t, "/api/sessions/lounge/actions", "", model.NewAction(model.ActionPlay, model.SomeTrack(track.ID), 3))
	expectStatus(t, resp, http.StatusOK)
	var st model.StateUpdateData
	decode(t, resp, &st)
	if !st.IsPlaying || st.CurrentTrackID.ID != track.ID || st.Version != 1 {
		t.Errorf("state = %+v, want playing track %d at version 1", st, track.ID)
	}

	resp = s.postJSON(t, "/api/sessions/lounge/actions", "", model.NewAction(model.ActionPlay, model.SomeTrack(404), 0))
	expectStatus(t, resp, http.StatusBadRequest)
	resp = s.postJSON(t, "/api/sessions/lounge/actions", "", map[string]string{"action": "SHUFFLE"})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = s.do(t, http.MethodGet, "/api/sessions/lounge/state", "", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &st)
	if st.Version != 1 || !st.IsPlaying {
		t.Errorf("state after rejections = %+v, want version 1 still playing", st)
	}

	resp = s.do(t, http.MethodGet, "/api/sessions/lounge", "", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var info SessionInfo
	decode(t, resp, &info)
	if info.SessionID != "lounge" || info.Online == nil || *info.Online != 3 {
		t.Errorf("info = %+v, want lounge with 3 online", info)
	}
}

func TestSession_DeleteDeselects(t *testing.T) {
	s := newTestServer(t, false)

	resp := s.upload(t, "", "a.wav", wavBytes(8000, 100))
	var track model.Track
	decode(t, resp, &track)

	resp = s.postJSON(t, "/api/sessions/default/actions", "", model.NewAction(model.ActionPlay, model.SomeTrack(track.ID), 0))
	expectStatus(t, resp, http.StatusOK)

	resp = s.postJSON(t, "/api/playlist/delete", "", map[string]int64{"id": track.ID})
	expectStatus(t, resp, http.StatusOK)
	if ok, _ := s.media.Exists(context.Background(), track.Path); ok {
		t.Error("object still stored after delete")
	}

	resp = s.do(t, http.MethodGet, "/api/sessions/default/state", "", nil, nil)
	var st model.StateUpdateData
	decode(t, resp, &st)
	if st.CurrentTrackID.Valid || st.IsPlaying {
		t.Errorf("state = %+v, want deselected and paused", st)
	}
}

func TestAuth_GatesControl(t *testing.T) {
	s := newTestServer(t, true)

	expectStatus(t, s.upload(t, "", "a.wav", wavBytes(8000, 100)), http.StatusUnauthorized)
	expectStatus(t, s.upload(t, "garbage", "a.wav", wavBytes(8000, 100)), http.StatusUnauthorized)
	expectStatus(t, s.postJSON(t, "/api/auth/token", "", TokenRequest{Password: "wrong"}), http.StatusUnauthorized)

	resp := s.postJSON(t, "/api/auth/token", "", TokenRequest{Password: testPassword})
	expectStatus(t, resp, http.StatusOK)
	var tok struct {
		Token string `json:"token"`
	}
	decode(t, resp, &tok)
	if tok.Token == "" {
		t.Fatal("empty token")
	}

	expectStatus(t, s.upload(t, tok.Token, "a.wav", wavBytes(8000, 100)), http.StatusCreated)
	// reads stay public
	expectStatus(t, s.do(t, http.MethodGet, "/api/playlist", "", nil, nil), http.StatusOK)
}

func TestAuth_TokenRouteDisabledWithoutPassword(t *testing.T) {
	s := newTestServer(t, false)
	expectStatus(t, s.postJSON(t, "/api/auth/token", "", TokenRequest{Password: "x"}), http.StatusNotFound)
}

// wsListener reads newline-separated frames from a websocket.
type wsListener struct {
	conn    *websocket.Conn
	pending []model.WSMessage
}

func (s *testServer) dialWS(t *testing.T, path string) *wsListener {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", u, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsListener{conn: conn}
}

func (l *wsListener) next(t *testing.T) model.WSMessage {
	t.Helper()
	for len(l.pending) == 0 {
		l.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var msg model.WSMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				t.Fatalf("bad frame %q: %v", line, err)
			}
			l.pending = append(l.pending, msg)
		}
	}
	msg := l.pending[0]
	l.pending = l.pending[1:]
	return msg
}

func (l *wsListener) send(t *testing.T, action model.Action) {
	t.Helper()
	msg, err := model.NewWSMessage(model.MsgTypePlayerAction, "", action)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.conn.WriteJSON(msg); err != nil {
		t.Fatal(err)
	}
}

func TestWebSocket_ReadOnlyWithoutToken(t *testing.T) {
	s := newTestServer(t, true)

	resp := s.postJSON(t, "/api/auth/token", "", TokenRequest{Password: testPassword})
	var tok struct {
		Token string `json:"token"`
	}
	decode(t, resp, &tok)
	resp = s.upload(t, tok.Token, "a.wav", wavBytes(8000, 100))
	var track model.Track
	decode(t, resp, &track)

	listener := s.dialWS(t, "/ws/party")
	if msg := listener.next(t); msg.Type != model.MsgTypeStateUpdate {
		t.Fatalf("first message = %s, want state_update", msg.Type)
	}
	listener.send(t, model.NewAction(model.ActionPlay, model.SomeTrack(track.ID), 0))
	if msg := listener.next(t); msg.Type != model.MsgTypeActionRejected {
		t.Fatalf("listener got %s, want action_rejected", msg.Type)
	}

	controller := s.dialWS(t, "/ws/party?token="+url.QueryEscape(tok.Token))
	controller.next(t)
	controller.send(t, model.NewAction(model.ActionPlay, model.SomeTrack(track.ID), 0))

	for name, l := range map[string]*wsListener{"controller": controller, "listener": listener} {
		msg := l.next(t)
		if msg.Type != model.MsgTypeStateUpdate {
			t.Fatalf("%s got %s, want state_update", name, msg.Type)
		}
		var st model.StateUpdateData
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			t.Fatal(err)
		}
		if !st.IsPlaying || st.CurrentTrackID.ID != track.ID {
			t.Errorf("%s state = %+v, want playing", name, st)
		}
	}
}

func TestWebSocket_DefaultSession(t *testing.T) {
	s := newTestServer(t, false)
	l := s.dialWS(t, "/ws")
	msg := l.next(t)
	if msg.Type != model.MsgTypeStateUpdate || msg.SessionID != session.DefaultSessionID {
		t.Errorf("catch-up = %+v, want state_update for default session", msg)
	}
}
