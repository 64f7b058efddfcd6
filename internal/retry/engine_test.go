package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
)

type fakeRules []storage.ErrorRule

func (f fakeRules) ListErrorRules() ([]storage.ErrorRule, error) { return f, nil }

type failingRules struct{}

func (failingRules) ListErrorRules() ([]storage.ErrorRule, error) { return nil, errors.New("db closed") }

var defaultRules = fakeRules{
	{ID: "1", Pattern: "free requests limit", Classification: ClassFreeLimit},
	{ID: "2", Pattern: "unauthorized request", Classification: ClassUnauthorized},
}

// countingCallback returns replies in order, then repeats the last one.
func countingCallback(replies ...string) (Callback, *int) {
	calls := 0
	return func(context.Context) (string, error) {
		i := calls
		calls++
		if i >= len(replies) {
			i = len(replies) - 1
		}
		return replies[i], nil
	}, &calls
}

func TestCleanReplyReturnsImmediately(t *testing.T) {
	e := NewEngine(defaultRules, 0, nil, nil)
	cb, calls := countingCallback("unused")
	res := e.Resolve(context.Background(), "all good", cb, true)
	if res.Filtered || res.Attempts != 0 || *calls != 0 || res.Text != "all good" {
		t.Errorf("res = %+v calls = %d", res, *calls)
	}
}

func TestUnauthorizedRetriesUntilClean(t *testing.T) {
	e := NewEngine(defaultRules, 0, nil, nil)
	cb, calls := countingCallback("Unauthorized Request again", "hello")
	res := e.Resolve(context.Background(), "UNAUTHORIZED REQUEST", cb, false)
	if res.Text != "hello" || res.Filtered || res.Attempts != 2 || *calls != 2 {
		t.Errorf("res = %+v calls = %d", res, *calls)
	}
}

func TestFreeLimitNonPremiumDoesNotRetry(t *testing.T) {
	e := NewEngine(defaultRules, 0, nil, nil)
	cb, calls := countingCallback("hello")
	res := e.Resolve(context.Background(), "You've hit your free requests limit", cb, false)
	if *calls != 0 {
		t.Errorf("callback invoked %d times", *calls)
	}
	if res.Filtered || res.Attempts != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestFreeLimitPremiumRetries(t *testing.T) {
	e := NewEngine(defaultRules, 0, nil, nil)
	cb, calls := countingCallback("hello")
	res := e.Resolve(context.Background(), "free requests limit", cb, true)
	if *calls != 1 || res.Text != "hello" {
		t.Errorf("res = %+v calls = %d", res, *calls)
	}
}

func TestAttemptCap(t *testing.T) {
	e := NewEngine(defaultRules, 0, nil, nil)
	cb, calls := countingCallback("unauthorized request")
	res := e.Resolve(context.Background(), "unauthorized request", cb, true)
	if *calls != DefaultMaxAttempts || res.Attempts != DefaultMaxAttempts {
		t.Errorf("calls = %d attempts = %d, want %d", *calls, res.Attempts, DefaultMaxAttempts)
	}
	if !res.Filtered || !errors.Is(res.Err, ErrAttemptsExhausted) {
		t.Errorf("res = %+v", res)
	}
}

func TestCallbackErrorKeepsPreviousText(t *testing.T) {
	e := NewEngine(defaultRules, 0, nil, nil)
	calls := 0
	cb := func(context.Context) (string, error) {
		calls++
		if calls == 2 {
			return "", errors.New("no credentials")
		}
		return "unauthorized request #" + fmt.Sprint(calls), nil
	}
	res := e.Resolve(context.Background(), "unauthorized request #0", cb, true)
	if res.Text != "unauthorized request #1" {
		t.Errorf("Text = %q, want previous reply", res.Text)
	}
	if !res.Filtered || res.Err == nil || res.Attempts != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestFirstMatchWins(t *testing.T) {
	rules := fakeRules{
		{ID: "a", Pattern: "limit", Classification: ClassFreeLimit},
		{ID: "b", Pattern: "limit", Classification: ClassUnauthorized},
	}
	e := NewEngine(rules, 0, nil, nil)
	cb, calls := countingCallback("ok")
	res := e.Resolve(context.Background(), "limit", cb, false)
	if *calls != 0 || res.Pattern != "limit" {
		t.Errorf("free-limit rule should win: res = %+v calls = %d", res, *calls)
	}
}

func TestUnclassifiedAlwaysRetries(t *testing.T) {
	e := NewEngine(fakeRules{{ID: "x", Pattern: `overloaded\s+server`}}, 0, nil, nil)
	cb, calls := countingCallback("fine")
	res := e.Resolve(context.Background(), "Overloaded   Server", cb, false)
	if *calls != 1 || res.Text != "fine" {
		t.Errorf("res = %+v calls = %d", res, *calls)
	}
}

func TestInvalidPatternSkipped(t *testing.T) {
	rules := fakeRules{
		{ID: "bad", Pattern: "(unclosed"},
		{ID: "good", Pattern: "denied"},
	}
	e := NewEngine(rules, 0, nil, nil)
	compiled, err := e.Rules()
	if err != nil {
		t.Fatal(err)
	}
	if len(compiled) != 1 || compiled[0].ID != "good" {
		t.Errorf("compiled = %+v", compiled)
	}
	if err := ValidatePattern("(unclosed"); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("ValidatePattern err = %v", err)
	}
}

func TestRuleSourceErrorIsNotFatal(t *testing.T) {
	e := NewEngine(failingRules{}, 0, nil, nil)
	cb, calls := countingCallback("x")
	res := e.Resolve(context.Background(), "unauthorized request", cb, true)
	if *calls != 0 || res.Text != "unauthorized request" || res.Filtered {
		t.Errorf("res = %+v calls = %d", res, *calls)
	}
}

func TestClassifyLegacyDescriptions(t *testing.T) {
	cases := []struct {
		rule storage.ErrorRule
		want string
	}{
		{storage.ErrorRule{Description: "Cursor free requests limit message"}, ClassFreeLimit},
		{storage.ErrorRule{Description: "Cursor unauthorized request error"}, ClassUnauthorized},
		{storage.ErrorRule{Description: "something else"}, ""},
		{storage.ErrorRule{Classification: " Free-Limit ", Description: "Cursor unauthorized request error"}, ClassFreeLimit},
	}
	for _, tc := range cases {
		if got := Classify(tc.rule); got != tc.want {
			t.Errorf("Classify(%+v) = %q, want %q", tc.rule, got, tc.want)
		}
	}
}

func TestRulesReadOnEveryCall(t *testing.T) {
	src := &mutableRules{}
	e := NewEngine(src, 0, nil, nil)
	cb, calls := countingCallback("ok")

	e.Resolve(context.Background(), "blocked", cb, true)
	if *calls != 0 {
		t.Fatal("retried with no rules")
	}
	src.rules = fakeRules{{ID: "1", Pattern: "blocked"}}
	e.Resolve(context.Background(), "blocked", cb, true)
	if *calls != 1 {
		t.Errorf("new rule not picked up, calls = %d", *calls)
	}
}

type mutableRules struct{ rules fakeRules }

func (m *mutableRules) ListErrorRules() ([]storage.ErrorRule, error) { return m.rules, nil }
