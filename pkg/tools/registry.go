// Package tools implements the tutor's built-in tool set: a deterministic,
// intent-gated registry that decides which tools to advertise to the LLM
// for a given query and executes the ones the model chooses, each under its
// own timeout and strict argument validation.
package tools

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/lokutor-ai/teachme-live/pkg/llm"
)

// ErrInvalidArgs is returned by a Tool's Execute when the supplied arguments
// fail validation (missing required field, type mismatch, length overflow).
var ErrInvalidArgs = errors.New("tools: invalid arguments")

// Tool is one callable tool: its advertising gate, its execution gate (the
// two may differ, though the built-ins use the same predicate for both),
// its JSON-schema spec for the LLM, and its handler.
type Tool struct {
	Spec        llm.ToolSpec
	OfferGate   func(query string, translatorMode bool) bool
	ExecuteGate func(query string, translatorMode bool) bool
	Execute     func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Registry holds the tutor's fixed set of tools and offers/executes them
// under per-call timeouts.
type Registry struct {
	tools       []Tool
	callTimeout time.Duration
}

// New builds the registry with the two built-in tools (math_solver,
// grammar_check), gated per §4.4, each bounded by callTimeout.
func New(callTimeout time.Duration) *Registry {
	if callTimeout <= 0 {
		callTimeout = 3 * time.Second
	}
	return &Registry{
		tools:       []Tool{mathSolverTool(), grammarCheckTool()},
		callTimeout: callTimeout,
	}
}

// OfferedFor returns the ToolSpecs whose offer gate matches query, in
// registration order, for attaching to the next LLM Create call.
func (r *Registry) OfferedFor(query string, translatorMode bool) []llm.ToolSpec {
	var out []llm.ToolSpec
	for _, t := range r.tools {
		if t.OfferGate(query, translatorMode) {
			out = append(out, t.Spec)
		}
	}
	return out
}

// HasAny reports whether any tool would be offered for query, which the
// orchestrator uses to decide between the tool loop and plain streaming.
func (r *Registry) HasAny(query string, translatorMode bool) bool {
	for _, t := range r.tools {
		if t.OfferGate(query, translatorMode) {
			return true
		}
	}
	return false
}

// Result is the outcome of one tool invocation: exactly one of Output or
// Err is meaningful.
type Result struct {
	Output map[string]any
	Err    error
}

// Call looks up name, checks its execute gate, and runs it under the
// registry's per-tool timeout. A missing tool, a gate rejection, a
// validation failure, or a handler error all come back as a Result carrying
// an error rather than a Go error return, since the caller (the turn
// orchestrator's tool loop) always needs a tool_result to feed back to the
// model rather than an exception across the loop (§4.4, §9).
func (r *Registry) Call(ctx context.Context, name, query string, translatorMode bool, args map[string]any) Result {
	var found *Tool
	for i := range r.tools {
		if r.tools[i].Spec.Name == name {
			found = &r.tools[i]
			break
		}
	}
	if found == nil {
		return Result{Err: errors.New("tools: unknown tool " + name)}
	}
	if !found.ExecuteGate(query, translatorMode) {
		return Result{Err: errors.New("tools: " + name + " not permitted for this query")}
	}

	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	type callResult struct {
		out map[string]any
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		out, err := found.Execute(cctx, args)
		done <- callResult{out, err}
	}()

	select {
	case res := <-done:
		return Result{Output: res.out, Err: res.err}
	case <-cctx.Done():
		return Result{Err: context.DeadlineExceeded}
	}
}

var (
	mathExprRe  = regexp.MustCompile(`\d\s*[-+*/^]\s*\d`)
	mathWordsRe = regexp.MustCompile(`(?i)\b(calculate|compute|solve|equation|sum of|product of|square root|plus|minus|times|divided by)\b`)

	grammarWordsRe = regexp.MustCompile(`(?i)\b(grammar|correct|mistake|fix this sentence|is this right|proofread)\b`)
	rewriteWordsRe = regexp.MustCompile(`(?i)\b(rewrite|rephrase|translate|how do i say)\b`)
)

func isMathQuery(query string, _ bool) bool {
	return mathExprRe.MatchString(query) || mathWordsRe.MatchString(query)
}

func isGrammarQuery(query string, translatorMode bool) bool {
	if grammarWordsRe.MatchString(query) {
		return true
	}
	return translatorMode && rewriteWordsRe.MatchString(query)
}

func mathSolverTool() Tool {
	return Tool{
		Spec: llm.ToolSpec{
			Name:        "math_solver",
			Description: "Evaluate a numeric arithmetic expression and show the steps.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "Arithmetic expression using digits and + - * / ^ only.",
					},
				},
				"required": []string{"expression"},
			},
		},
		OfferGate:   isMathQuery,
		ExecuteGate: isMathQuery,
		Execute: func(_ context.Context, args map[string]any) (map[string]any, error) {
			expr, ok := args["expression"].(string)
			if !ok || expr == "" {
				return nil, ErrInvalidArgs
			}
			if len(expr) > 200 {
				return nil, ErrInvalidArgs
			}
			result, steps, err := EvaluateExpression(expr)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(steps))
			for i, s := range steps {
				out[i] = s
			}
			return map[string]any{
				"result": result,
				"steps":  out,
			}, nil
		},
	}
}

func grammarCheckTool() Tool {
	return Tool{
		Spec: llm.ToolSpec{
			Name:        "grammar_check",
			Description: "Check and correct the grammar of a short piece of text.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"text":            map[string]any{"type": "string"},
					"target_language": map[string]any{"type": "string"},
				},
				"required": []string{"text", "target_language"},
			},
		},
		OfferGate:   isGrammarQuery,
		ExecuteGate: isGrammarQuery,
		Execute: func(_ context.Context, args map[string]any) (map[string]any, error) {
			text, ok := args["text"].(string)
			if !ok || text == "" || len(text) > 500 {
				return nil, ErrInvalidArgs
			}
			lang, _ := args["target_language"].(string)
			if lang == "" {
				return nil, ErrInvalidArgs
			}
			corrected, mistakes, explanations := checkGrammar(text)
			out := make([]any, len(mistakes))
			for i, m := range mistakes {
				out[i] = m
			}
			expOut := make([]any, len(explanations))
			for i, e := range explanations {
				expOut[i] = e
			}
			return map[string]any{
				"corrected_text": corrected,
				"explanations":   expOut,
				"mistakes":       out,
			}, nil
		},
	}
}

var (
	repeatedSpaceRe = regexp.MustCompile(` {2,}`)
)

// checkGrammar applies a handful of deterministic, language-agnostic
// surface fixes (duplicate words, double spaces, missing terminal
// punctuation, sentence-initial capitalization). It is intentionally not a
// full grammar engine: the model still produces the prose explanation in
// its final structured response, this tool just gives it a reliable,
// non-hallucinated starting point to cite mistakes against.
func checkGrammar(text string) (corrected string, mistakes, explanations []string) {
	corrected = strings.TrimSpace(text)

	if repeatedSpaceRe.MatchString(corrected) {
		corrected = repeatedSpaceRe.ReplaceAllString(corrected, " ")
		mistakes = append(mistakes, "double space")
		explanations = append(explanations, "collapsed repeated spaces")
	}
	words := strings.Split(corrected, " ")
	kept := make([]string, 0, len(words))
	word := ""
	for i, w := range words {
		if i > 0 && w != "" && strings.EqualFold(w, words[i-1]) {
			if word == "" {
				word = words[i-1]
			}
			continue
		}
		kept = append(kept, w)
	}
	if word != "" {
		corrected = strings.Join(kept, " ")
		mistakes = append(mistakes, "repeated word: "+word)
		explanations = append(explanations, "removed duplicated \""+word+"\"")
	}
	if corrected != "" {
		r := []rune(corrected)
		if r[0] >= 'a' && r[0] <= 'z' {
			r[0] = r[0] - 'a' + 'A'
			corrected = string(r)
			mistakes = append(mistakes, "missing capitalization")
			explanations = append(explanations, "capitalized the first letter")
		}
	}
	if corrected != "" {
		last := corrected[len(corrected)-1]
		if last != '.' && last != '?' && last != '!' {
			corrected += "."
			mistakes = append(mistakes, "missing terminal punctuation")
			explanations = append(explanations, "added a period at the end")
		}
	}
	return corrected, mistakes, explanations
}
