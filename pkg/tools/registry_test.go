package tools

import (
	"context"
	"testing"
	"time"
)

func TestEvaluateExpression(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"2+3", "5"},
		{"2 + 3 * 4", "14"},
		{"(2 + 3) * 4", "20"},
		{"2^3", "8"},
		{"-5 + 2", "-3"},
		{"10 / 4", "2.5"},
	}
	for _, c := range cases {
		got, steps, err := EvaluateExpression(c.expr)
		if err != nil {
			t.Fatalf("EvaluateExpression(%q): %v", c.expr, err)
		}
		if got != c.want {
			t.Errorf("EvaluateExpression(%q) = %q, want %q", c.expr, got, c.want)
		}
		if len(steps) == 0 {
			t.Errorf("EvaluateExpression(%q): expected steps", c.expr)
		}
	}
}

func TestEvaluateExpressionRejectsGarbage(t *testing.T) {
	for _, expr := range []string{"2 + ", "import os", "2+3)", "1/0"} {
		if _, _, err := EvaluateExpression(expr); err == nil {
			t.Errorf("EvaluateExpression(%q): expected error", expr)
		}
	}
}

func TestOfferGating(t *testing.T) {
	r := New(time.Second)

	positives := []string{"what is 2+3?", "calculate the square root of 9", "can you solve this equation"}
	for _, q := range positives {
		if !r.HasAny(q, false) {
			t.Errorf("HasAny(%q) = false, want true (math)", q)
		}
	}

	negatives := []string{"what's the weather like", "tell me a story"}
	for _, q := range negatives {
		if r.HasAny(q, false) {
			t.Errorf("HasAny(%q) = true, want false", q)
		}
	}

	if !r.HasAny("can you check my grammar here", false) {
		t.Error("grammar_check should be offered for grammar keyword query")
	}
	if !r.HasAny("please rewrite this for me", true) {
		t.Error("grammar_check should be offered in translator mode for rewrite keyword")
	}
	if r.HasAny("please rewrite this for me", false) {
		t.Error("grammar_check should not be offered for rewrite keyword outside translator mode")
	}
}

func TestCallMathSolver(t *testing.T) {
	r := New(time.Second)
	res := r.Call(context.Background(), "math_solver", "what is 2+3?", false, map[string]any{"expression": "2+3"})
	if res.Err != nil {
		t.Fatalf("Call: %v", res.Err)
	}
	if res.Output["result"] != "5" {
		t.Errorf("result = %v, want 5", res.Output["result"])
	}
}

func TestCallInvalidArgs(t *testing.T) {
	r := New(time.Second)
	res := r.Call(context.Background(), "math_solver", "what is 2+3?", false, map[string]any{})
	if res.Err == nil {
		t.Fatal("expected error for missing expression")
	}
}

func TestCallUnknownTool(t *testing.T) {
	r := New(time.Second)
	res := r.Call(context.Background(), "not_a_tool", "hi", false, nil)
	if res.Err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestCallRejectsOutOfGateExecution(t *testing.T) {
	r := New(time.Second)
	res := r.Call(context.Background(), "math_solver", "tell me a joke", false, map[string]any{"expression": "2+3"})
	if res.Err == nil {
		t.Fatal("expected execute-gate rejection")
	}
}

func TestGrammarCheckFixesSurfaceIssues(t *testing.T) {
	r := New(time.Second)
	res := r.Call(context.Background(), "grammar_check", "please check my grammar", false, map[string]any{
		"text":            "the the cat sat",
		"target_language": "en",
	})
	if res.Err != nil {
		t.Fatalf("Call: %v", res.Err)
	}
	if res.Output["corrected_text"] != "The cat sat." {
		t.Errorf("corrected_text = %v, want %q", res.Output["corrected_text"], "The cat sat.")
	}
}
