package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// prompter answers challenge questions and captchas from the terminal.
// Sessions log in concurrently, so prompts are serialized.
type prompter struct {
	mu   sync.Mutex
	out  io.Writer
	dir  string // where captcha images are written; "" = os.TempDir
	once sync.Once
	in   io.Reader
	ch   chan string
}

func newPrompter(in io.Reader, out io.Writer, dir string) *prompter {
	return &prompter{in: in, out: out, dir: dir}
}

// interactive reports whether f is a terminal a human can type into.
func interactive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Ask prints the question and waits for one line.
func (p *prompter) Ask(ctx context.Context, account, question string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\n[%s] Yandex asks: %s\nanswer> ", account, question)
	return p.readLine(ctx)
}

// Solve saves the captcha image and waits for its text.
func (p *prompter) Solve(ctx context.Context, imageBase64 string) (string, error) {
	img, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return "", fmt.Errorf("decode captcha: %w", err)
	}
	f, err := os.CreateTemp(p.dir, "wsharvest-captcha-*.png")
	if err != nil {
		return "", err
	}
	_, werr := f.Write(img)
	if err := errors.Join(werr, f.Close()); err != nil {
		return "", fmt.Errorf("save captcha: %w", err)
	}
	defer os.Remove(f.Name())

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\ncaptcha saved to %s\ntext> ", f.Name())
	return p.readLine(ctx)
}

// readLine waits for the next input line. A single reader goroutine feeds
// every prompt so an abandoned prompt never leaves two reads racing.
func (p *prompter) readLine(ctx context.Context) (string, error) {
	p.once.Do(func() {
		p.ch = make(chan string)
		go func() {
			defer close(p.ch)
			sc := bufio.NewScanner(p.in)
			for sc.Scan() {
				p.ch <- sc.Text()
			}
		}()
	})
	select {
	case line, ok := <-p.ch:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(line), nil
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	}
}

// readSecret reads a password without echo when stdin is a terminal.
func readSecret(out io.Writer, label string) (string, error) {
	if !interactive(os.Stdin) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Fprintf(out, "%s: ", label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
