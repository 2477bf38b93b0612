package oracle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLookupAnswer(t *testing.T) {
	answers := map[string]string{
		"Девичья фамилия матери": "Иванова",
		"фамилия": "short",
		"Кличка домашнего питомца": "Рекс",
	}
	cases := []struct {
		q, want string
		ok      bool
	}{
		{"Девичья фамилия матери", "Иванова", true},
		{"Ваша девичья фамилия матери?", "Иванова", true},
		{"Какая у вас фамилия", "short", true},
		{"кличка ДОМАШНЕГО питомца", "Рекс", true},
		{"Любимый фильм", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := LookupAnswer(answers, c.q)
		if got != c.want || ok != c.ok {
			t.Errorf("LookupAnswer(%q) = %q, %v", c.q, got, ok)
		}
	}
}

func TestAnswerPrefersStored(t *testing.T) {
	asked := false
	o := New(AskerFunc(func(context.Context, string, string) (string, error) {
		asked = true
		return "ui", nil
	}))
	a, err := o.Answer(context.Background(), "acc", map[string]string{"pet": "rex"}, "Your pet")
	if err != nil || a != "rex" || asked {
		t.Fatalf("got %q %v asked=%v", a, err, asked)
	}
}

func TestAnswerAsks(t *testing.T) {
	o := New(AskerFunc(func(_ context.Context, account, q string) (string, error) {
		return "  typed  ", nil
	}))
	a, err := o.Answer(context.Background(), "acc", nil, "Q?")
	if err != nil || a != "typed" {
		t.Fatalf("got %q %v", a, err)
	}
}

func TestAnswerTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	o := New(AskerFunc(func(context.Context, string, string) (string, error) {
		<-block
		return "late", nil
	}), WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := o.Answer(context.Background(), "acc", nil, "Q?")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("asker held the caller past the timeout")
	}
}

func TestAnswerNoAsker(t *testing.T) {
	_, err := New(nil).Answer(context.Background(), "acc", nil, "Q?")
	if !errors.Is(err, ErrNoAnswer) {
		t.Fatalf("err = %v", err)
	}
	_, err = New(AskerFunc(func(context.Context, string, string) (string, error) {
		return " ", nil
	})).Answer(context.Background(), "acc", nil, "Q?")
	if !errors.Is(err, ErrNoAnswer) {
		t.Fatalf("empty answer err = %v", err)
	}
}
