package stt

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv2"
	"cloud.google.com/go/speech/apiv2/speechpb"

	"github.com/lokutor-ai/teachme-live/pkg/stt"
)

// GoogleStreamingSTT is the streaming recognizer grounded on the original
// tutor's google.cloud.speech usage: it's the vendor whose StreamingRecognize
// RPC only truly starts once its response stream is iterated, the exact
// behavior stt.Adapter is built around.
type GoogleStreamingSTT struct {
	client    *speech.Client
	recognizer string // e.g. "projects/<project>/locations/global/recognizers/_"
}

func NewGoogleStreamingSTT(client *speech.Client, recognizer string) *GoogleStreamingSTT {
	return &GoogleStreamingSTT{client: client, recognizer: recognizer}
}

func (g *GoogleStreamingSTT) Name() string { return "google-speech-streaming" }

func (g *GoogleStreamingSTT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.StreamConn, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("google speech: open stream: %w", err)
	}

	langs := append([]string{cfg.LanguageCode}, cfg.AlternateLanguages...)
	initReq := &speechpb.StreamingRecognizeRequest{
		Recognizer: g.recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   int32(cfg.SampleRateHz),
							AudioChannelCount: 1,
						},
					},
					LanguageCodes: langs,
					Model:         "long",
					Features: &speechpb.RecognitionFeatures{
						EnableAutomaticPunctuation: true,
						EnableWordConfidence:       true,
					},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
					InterimResults: cfg.EnableInterimResults,
				},
			},
		},
	}
	if err := stream.Send(initReq); err != nil {
		return nil, fmt.Errorf("google speech: send config: %w", err)
	}

	return &googleStreamConn{stream: stream, recognizer: g.recognizer}, nil
}

type googleStreamConn struct {
	stream     speechpb.Speech_StreamingRecognizeClient
	recognizer string
}

func (c *googleStreamConn) Send(pcm []byte) error {
	return c.stream.Send(&speechpb.StreamingRecognizeRequest{
		Recognizer: c.recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: pcm,
		},
	})
}

func (c *googleStreamConn) CloseSend() error {
	return c.stream.CloseSend()
}

func (c *googleStreamConn) Recv() (*stt.RecognitionResult, error) {
	resp, err := c.stream.Recv()
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 || len(resp.Results[0].Alternatives) == 0 {
		return &stt.RecognitionResult{}, nil
	}
	r := resp.Results[0]
	alt := r.Alternatives[0]
	return &stt.RecognitionResult{
		Transcript: alt.Transcript,
		Confidence: float64(alt.Confidence),
		IsFinal:    r.IsFinal,
	}, nil
}
