// Command agent is a full-duplex microphone/speaker smoke test harness for
// the tutor, driven entirely in-process through the root Conversation
// wrapper: no websocket, just malgo's duplex audio callback feeding a local
// VAD, which segments speech and hands completed utterances to
// ProcessAudio.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	teachmelive "github.com/lokutor-ai/teachme-live"
	"github.com/lokutor-ai/teachme-live/pkg/config"
	"github.com/lokutor-ai/teachme-live/pkg/logging"
	"github.com/lokutor-ai/teachme-live/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/teachme-live/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/teachme-live/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/teachme-live/pkg/providers/tts"
	"github.com/lokutor-ai/teachme-live/pkg/session"
	"github.com/lokutor-ai/teachme-live/pkg/tools"
)

const (
	baseVADThreshold   = 0.02
	activeVADThreshold = 0.15 // raised while the tutor is speaking, to resist self-interruption from speaker bleed

	sampleRate = 16000
	channels   = 1
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: no .env file found, using system environment variables")
	}

	cfg := config.Load()
	logger := logging.NewSlog()

	groqKey := os.Getenv("GROQ_API_KEY")
	if groqKey == "" {
		log.Fatal("Error: GROQ_API_KEY must be set for the agent's speech-to-text")
	}
	if cfg.AnthropicAPIKey == "" {
		log.Fatal("Error: ANTHROPIC_API_KEY must be set")
	}
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")
	if lokutorKey == "" {
		log.Fatal("Error: LOKUTOR_API_KEY must be set for the agent's text-to-speech")
	}

	stt := sttProvider.NewGroqSTT(groqKey, "whisper-large-v3-turbo")
	stt.SetSampleRate(sampleRate)

	llmClient := llmProvider.NewAnthropicLLM(cfg.AnthropicAPIKey, cfg.AnthropicModelPrimary, cfg.AnthropicModelFallback, cfg.LLMRequestTimeout())
	toolsReg := tools.New(cfg.ToolTimeout())
	tts := ttsProvider.NewLokutorTTS(lokutorKey)

	conv := teachmelive.New(cfg, llmClient, toolsReg, tts, stt, logger)
	conv.SetTargetLanguage(session.Language(cfg.TargetLanguage))
	conv.SetTranslatorMode(cfg.TranslatorMode)

	fmt.Printf("Configured: STT=groq | LLM=anthropic | TTS=lokutor | Language=%s\n", cfg.TargetLanguage)
	fmt.Println("Voice tutor started! Listening to microphone...")
	fmt.Println("Press Ctrl+C to exit")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer conv.Close()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	var playbackMu sync.Mutex
	var playbackBytes []byte

	var botPlayingMu sync.Mutex
	var lastPlayedAt time.Time

	vad := orchestrator.NewRMSVAD(baseVADThreshold, 700*time.Millisecond)
	echoSuppressor := orchestrator.NewEchoSuppressor()
	var speechBuf []byte
	var speechMu sync.Mutex
	var processing atomic.Bool

	// Self-interruption defense is layered: raising the VAD's own threshold
	// while the bot is known to be playing catches the common case cheaply,
	// and echoSuppressor's correlation check against the actual samples just
	// written to pOutput catches speaker bleed that's loud enough to clear
	// the raised threshold but still matches what was just played.
	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			botPlayingMu.Lock()
			isBotActive := time.Since(lastPlayedAt) < 200*time.Millisecond
			botPlayingMu.Unlock()

			if isBotActive {
				vad.SetThreshold(activeVADThreshold)
			} else {
				vad.SetThreshold(baseVADThreshold)
			}
			event, _ := vad.Process(pInput)
			isEcho := echoSuppressor.IsEcho(pInput)

			speechMu.Lock()
			if vad.IsSpeaking() && !processing.Load() && !isEcho {
				speechBuf = append(speechBuf, pInput...)
			}
			speechMu.Unlock()

			if event != nil && event.Type == orchestrator.VADSpeechEnd && processing.CompareAndSwap(false, true) {
				speechMu.Lock()
				utterance := speechBuf
				speechBuf = nil
				speechMu.Unlock()

				if len(utterance) == 0 {
					processing.Store(false)
				} else {
					go func() {
						defer processing.Store(false)
						runTurn(ctx, conv, utterance, &playbackMu, &playbackBytes, &botPlayingMu, &lastPlayedAt)
					}()
				}
			}
		}

		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			if n < len(pOutput) {
				for i := n; i < len(pOutput); i++ {
					pOutput[i] = 0
				}
			}
			playbackMu.Unlock()
			if n > 0 {
				echoSuppressor.RecordPlayedAudio(pOutput[:n])
			}
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = channels
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
}

func runTurn(ctx context.Context, conv *teachmelive.Conversation, pcm []byte, playbackMu *sync.Mutex, playbackBytes *[]byte, botPlayingMu *sync.Mutex, lastPlayedAt *time.Time) {
	fmt.Println("\r\033[K[STT] Processing...")
	transcript, answer, err := conv.ProcessAudio(ctx, pcm, func(chunk []byte) error {
		playbackMu.Lock()
		*playbackBytes = append(*playbackBytes, chunk...)
		playbackMu.Unlock()
		botPlayingMu.Lock()
		*lastPlayedAt = time.Now()
		botPlayingMu.Unlock()
		return nil
	})
	if err != nil {
		fmt.Printf("\r\033[K[ERROR] %v\n", err)
		return
	}
	fmt.Printf("\r\033[K[TRANSCRIPT] %s\n", transcript)
	fmt.Printf("\r\033[K[TUTOR] %s\n", answer)
}
