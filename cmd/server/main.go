// Command server is the websocket front door for the voice tutor: it
// accepts one coder/websocket connection per learner, wires up C2-C10 for
// that session, and runs pkg/endpoint's event loop until the client
// disconnects. A small net/http mux alongside it serves liveness and
// metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	speech "cloud.google.com/go/speech/apiv2"
	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"github.com/coder/websocket"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/teachme-live/pkg/config"
	"github.com/lokutor-ai/teachme-live/pkg/endpoint"
	"github.com/lokutor-ai/teachme-live/pkg/llm"
	"github.com/lokutor-ai/teachme-live/pkg/logging"
	"github.com/lokutor-ai/teachme-live/pkg/metrics"
	llmProvider "github.com/lokutor-ai/teachme-live/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/teachme-live/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/teachme-live/pkg/providers/tts"
	"github.com/lokutor-ai/teachme-live/pkg/schema"
	"github.com/lokutor-ai/teachme-live/pkg/session"
	"github.com/lokutor-ai/teachme-live/pkg/stt"
	"github.com/lokutor-ai/teachme-live/pkg/tools"
	"github.com/lokutor-ai/teachme-live/pkg/tts"
	"github.com/lokutor-ai/teachme-live/pkg/turn"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: no .env file found, using system environment variables")
	}

	cfg := config.Load()
	logger := logging.NewSlog()
	rec := metrics.New()

	llmClient := buildLLM(cfg)
	ttsProv := buildTTS(cfg)
	speechClient := buildSpeechClient(cfg)
	recognizer := sttProvider.NewGoogleStreamingSTT(speechClient, fmt.Sprintf("projects/%s/locations/global/recognizers/_", cfg.GoogleCloudProject))

	streamer := tts.NewStreamer(ttsProv, logger)
	toolsReg := tools.New(cfg.ToolTimeout())
	enforcer := schema.New(cfg.StrictStructuredMode)
	orch := turn.New(llmClient, toolsReg, cfg.StrictStructuredMode, streamer, rec, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/api/metrics", handleMetrics(rec))
	mux.HandleFunc("/ws", handleWebSocket(cfg, logger, rec, orch, llmClient, enforcer, recognizer))

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func buildLLM(cfg config.Settings) llm.Client {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatal("Error: OPENAI_API_KEY must be set for LLM_PROVIDER=openai")
		}
		return llmProvider.NewOpenAILLM(cfg.OpenAIAPIKey, cfg.AnthropicModelPrimary, cfg.LLMRequestTimeout())
	case "anthropic":
		fallthrough
	default:
		if cfg.AnthropicAPIKey == "" {
			log.Fatal("Error: ANTHROPIC_API_KEY must be set for LLM_PROVIDER=anthropic")
		}
		return llmProvider.NewAnthropicLLM(cfg.AnthropicAPIKey, cfg.AnthropicModelPrimary, cfg.AnthropicModelFallback, cfg.LLMRequestTimeout())
	}
}

func buildTTS(cfg config.Settings) tts.Provider {
	switch cfg.TTSProvider {
	case "lokutor":
		key := os.Getenv("LOKUTOR_API_KEY")
		if key == "" {
			log.Fatal("Error: LOKUTOR_API_KEY must be set for TTS_PROVIDER=lokutor")
		}
		return ttsProvider.NewLokutorTTS(key)
	case "google":
		fallthrough
	default:
		client, err := texttospeech.NewClient(context.Background())
		if err != nil {
			log.Fatalf("texttospeech: %v", err)
		}
		return ttsProvider.NewGoogleTTS(client)
	}
}

func buildSpeechClient(cfg config.Settings) *speech.Client {
	if cfg.GoogleCloudProject == "" {
		log.Fatal("Error: GOOGLE_CLOUD_PROJECT must be set; the realtime endpoint requires Google's streaming recognizer")
	}
	client, err := speech.NewClient(context.Background())
	if err != nil {
		log.Fatalf("speech: %v", err)
	}
	return client
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleMetrics(rec *metrics.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"counters":    rec.Counters(),
			"percentiles": rec.Report(),
		})
	}
}

func handleWebSocket(cfg config.Settings, logger *logging.SlogLogger, rec *metrics.Recorder, orch *turn.Orchestrator, llmClient llm.Client, enforcer *schema.Enforcer, recognizer *sttProvider.GoogleStreamingSTT) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}

		conn := &wsConnAdapter{conn: wsConn}
		sess := session.New(fmt.Sprintf("sess_%d", time.Now().UnixNano()), cfg, logger)

		sttNew := func(scfg stt.StreamConfig, onInterim func(string), onFinal func(string, float64)) *stt.Adapter {
			silence := cfg.TurnSilenceDuration()
			return stt.New(recognizer, scfg, silence, onInterim, onFinal, logger)
		}

		ep := endpoint.New(conn, sess, cfg, orch, llmClient, enforcer, rec, sttNew, logger)

		ctx := r.Context()
		if err := ep.Run(ctx); err != nil {
			logger.Debug("endpoint run ended", "sessionID", sess.SessionID, "error", err)
		}
	}
}

// wsConnAdapter satisfies pkg/endpoint.Conn over a coder/websocket
// connection: one binary message in, one binary message out, one
// pkg/wire frame each way.
type wsConnAdapter struct {
	conn *websocket.Conn
}

func (a *wsConnAdapter) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := a.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (a *wsConnAdapter) WriteMessage(ctx context.Context, data []byte) error {
	return a.conn.Write(ctx, websocket.MessageBinary, data)
}

func (a *wsConnAdapter) Close(reason string) error {
	return a.conn.Close(websocket.StatusNormalClosure, reason)
}

var _ endpoint.Conn = (*wsConnAdapter)(nil)
