package elevenlabs

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waifubot/core"
)

type fakeServer struct {
	mu       sync.Mutex
	received []elTextMessage
	query    string
	apiKey   string
	reply    func(conn *websocket.Conn)
}

func (f *fakeServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.query = r.URL.RawQuery
		f.apiKey = r.Header.Get("xi-api-key")
		f.mu.Unlock()
		assert.True(t, strings.HasSuffix(r.URL.Path, "/voice-1/stream-input"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		// BOS, text, EOS
		for i := 0; i < 3; i++ {
			_, data, err := conn.ReadMessage()
			if !assert.NoError(t, err) {
				return
			}
			var msg elTextMessage
			assert.NoError(t, sonic.Unmarshal(data, &msg))
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
		}
		f.reply(conn)
	}
}

func audioFrame(data string, final bool) []byte {
	return []byte(fmt.Sprintf(`{"audio":%q,"isFinal":%t}`, base64.StdEncoding.EncodeToString([]byte(data)), final))
}

func newTestTTS(t *testing.T, f *fakeServer) *ElevenLabsTTS {
	t.Helper()
	server := httptest.NewServer(f.handler(t))
	t.Cleanup(server.Close)

	tts := NewElevenLabsTTS(ElevenLabsTTSConfig{
		APIKey:  "el-key",
		BaseURL: "ws" + strings.TrimPrefix(server.URL, "http"),
		VoiceID: "voice-1",
	}, core.NewNopLogger())
	require.NoError(t, tts.Initialize(context.Background()))
	return tts
}

func TestSynthesizeCollectsAudioUntilFinal(t *testing.T) {
	f := &fakeServer{reply: func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, audioFrame("ID3", false))
		_ = conn.WriteMessage(websocket.TextMessage, audioFrame("frames", false))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"audio":null,"isFinal":true}`))
	}}
	tts := newTestTTS(t, f)

	audio, err := tts.Synthesize(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, "ID3frames", string(audio.Data))
	require.Equal(t, core.AudioFormatMP3, audio.Format)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.received, 3)
	require.Equal(t, " ", f.received[0].Text)
	require.Equal(t, "Hello ", f.received[1].Text)
	require.Equal(t, "", f.received[2].Text)
	require.Equal(t, "el-key", f.apiKey)
	require.Contains(t, f.query, "output_format=mp3_44100_128")
}

func TestSynthesizeServerError(t *testing.T) {
	f := &fakeServer{reply: func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"quota_exceeded","message":"out of characters","code":1008}`))
	}}
	tts := newTestTTS(t, f)

	_, err := tts.Synthesize(context.Background(), "Hello")
	var synthErr *core.SynthesisError
	require.ErrorAs(t, err, &synthErr)
	require.Equal(t, core.SynthesisEngineUnavailable, synthErr.Kind)
	require.Contains(t, err.Error(), "out of characters")
}

func TestSynthesizeEmptyOutput(t *testing.T) {
	f := &fakeServer{reply: func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"audio":null,"isFinal":true}`))
	}}
	tts := newTestTTS(t, f)

	_, err := tts.Synthesize(context.Background(), "Hello")
	var synthErr *core.SynthesisError
	require.ErrorAs(t, err, &synthErr)
	require.Equal(t, core.SynthesisEmptyOutput, synthErr.Kind)
}

func TestSynthesizeRequiresInitialize(t *testing.T) {
	tts := NewElevenLabsTTS(ElevenLabsTTSConfig{}, core.NewNopLogger())
	require.Error(t, tts.Initialize(context.Background()))

	_, err := tts.Synthesize(context.Background(), "Hello")
	var synthErr *core.SynthesisError
	require.ErrorAs(t, err, &synthErr)
}
