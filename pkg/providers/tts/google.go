package tts

import (
	"context"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
)

// GoogleTTS synthesizes a full utterance in one unary call; this package's
// tts.Streamer is what turns the result into fixed-size wire chunks, so
// no vendor-side streaming is needed here.
type GoogleTTS struct {
	client *texttospeech.Client
}

func NewGoogleTTS(client *texttospeech.Client) *GoogleTTS {
	return &GoogleTTS{client: client}
}

func (g *GoogleTTS) Name() string { return "google-texttospeech" }

func (g *GoogleTTS) Synthesize(ctx context.Context, text, voice, language string) ([]byte, error) {
	req := &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: language,
			Name:         voice,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SampleRateHertz: 24000,
		},
	}

	resp, err := g.client.SynthesizeSpeech(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("google texttospeech: synthesize: %w", err)
	}
	return resp.GetAudioContent(), nil
}
