package turn

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lokutor-ai/teachme-live/pkg/schema"
	"github.com/lokutor-ai/teachme-live/pkg/session"
)

// imageRequiredRe matches queries that reference visual content the model
// cannot see without an uploaded image.
var imageRequiredRe = regexp.MustCompile(`(?i)\b(in the image|in the picture|in this picture|in this photo|what('?s| is) (in|on) (the|this) (image|picture|photo)|shown in the image)\b`)

// RequiresImage reports whether query triggers the image-required guard.
func RequiresImage(query string) bool {
	return imageRequiredRe.MatchString(query)
}

// clarificationText returns the canned low-confidence clarification
// utterance for lang (§4.7 step 2).
func clarificationText(lang session.Language) string {
	if lang == session.LanguageKO {
		return "방금 말씀을 정확히 듣지 못했어요. 다시 한 번 말씀해 주시겠어요?"
	}
	return "Sorry, I didn't quite catch that. Could you say it again?"
}

// imageGuardText returns the canned image-required guard utterance.
func imageGuardText(lang session.Language) string {
	if lang == session.LanguageKO {
		return "이미지를 아직 받지 못했어요. 질문하신 이미지를 업로드해 주시겠어요?"
	}
	return "I don't have an image from you yet. Could you upload the picture you're asking about?"
}

// quickSummaryText returns the canned utterance spoken when the model call
// exceeds its turn deadline (§4.7 step 7).
func quickSummaryText(lang session.Language) string {
	if lang == session.LanguageKO {
		return "생각하는 데 시간이 조금 걸리네요. 간단히 답변 드릴게요."
	}
	return "That took me a little longer than expected, so here's a quick summary."
}

// cannedResponse wraps text as the sole answer of an otherwise-empty
// structured Response, used by the image-guard and timeout short-circuit
// paths so they still produce a NOTES frame like a normal turn (the
// low-confidence path speaks its clarification text directly instead).
func cannedResponse(text string) schema.Response {
	return schema.Response{
		Answer:         text,
		Steps:          []string{},
		Examples:       []string{},
		CommonMistakes: []string{},
		NextExercises:  []string{},
	}
}

// Flatten renders a structured Response into speakable text: the answer,
// up to 3 numbered steps, and up to 1 example, worded per lang (§4.7
// step 9).
func Flatten(resp schema.Response, lang session.Language) string {
	var b strings.Builder
	b.WriteString(resp.Answer)

	steps := resp.Steps
	if len(steps) > 3 {
		steps = steps[:3]
	}
	for i, s := range steps {
		if lang == session.LanguageKO {
			fmt.Fprintf(&b, " %d단계: %s.", i+1, s)
		} else {
			fmt.Fprintf(&b, " Step %d: %s.", i+1, s)
		}
	}

	if len(resp.Examples) > 0 {
		if lang == session.LanguageKO {
			fmt.Fprintf(&b, " 예시: %s.", resp.Examples[0])
		} else {
			fmt.Fprintf(&b, " For example, %s.", resp.Examples[0])
		}
	}

	return b.String()
}
