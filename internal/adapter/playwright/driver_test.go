package playwright

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/Strob0t/agentdesk/internal/domain/control"
	"github.com/Strob0t/agentdesk/internal/port/display"
)

type fakePage struct {
	url      string
	title    string
	text     string
	closed   bool
	calls    []string
	timeouts []*float64
	failWith error
}

func (p *fakePage) Goto(url string, opts ...playwright.PageGotoOptions) (playwright.Response, error) {
	p.calls = append(p.calls, "goto "+url)
	p.timeouts = append(p.timeouts, opts[0].Timeout)
	p.url = url
	return nil, p.failWith
}

func (p *fakePage) Click(selector string, _ ...playwright.PageClickOptions) error {
	p.calls = append(p.calls, "click "+selector)
	return p.failWith
}

func (p *fakePage) Fill(selector, value string, _ ...playwright.PageFillOptions) error {
	p.calls = append(p.calls, "fill "+selector+"="+value)
	return p.failWith
}

func (p *fakePage) Evaluate(expression string, arg ...any) (any, error) {
	p.calls = append(p.calls, "eval")
	return nil, p.failWith
}

func (p *fakePage) TextContent(string, ...playwright.PageTextContentOptions) (string, error) {
	return p.text, p.failWith
}

func (p *fakePage) Title() (string, error) { return p.title, nil }
func (p *fakePage) URL() string            { return p.url }
func (p *fakePage) IsClosed() bool         { return p.closed }

func testDriver(pages ...*fakePage) (*Driver, *[]string) {
	d := newDriver(Config{})
	var endpoints []string
	d.connect = func(endpoint string) (*attachment, error) {
		endpoints = append(endpoints, endpoint)
		if len(pages) == 0 {
			return nil, errors.New("no browser")
		}
		pg := pages[0]
		pages = pages[1:]
		return &attachment{page: pg}, nil
	}
	return d, &endpoints
}

var target = display.Target{SessionID: "s1", ContainerName: "agentdesk-s1"}

func TestObserve(t *testing.T) {
	pg := &fakePage{url: "https://example.com", title: "Example", text: "hello"}
	d, endpoints := testDriver(pg)

	obs, err := d.Observe(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	if obs.URL != "https://example.com" || obs.Title != "Example" || obs.Content != "hello" {
		t.Errorf("unexpected observation %+v", obs)
	}
	if len(*endpoints) != 1 || (*endpoints)[0] != "http://agentdesk-s1:9222" {
		t.Errorf("unexpected endpoints %v", *endpoints)
	}

	// The connection is reused.
	if _, err := d.Observe(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	if len(*endpoints) != 1 {
		t.Errorf("expected one connection, got %d", len(*endpoints))
	}
}

func TestReconnectsAfterPageClosed(t *testing.T) {
	first := &fakePage{}
	second := &fakePage{}
	d, endpoints := testDriver(first, second)

	if _, err := d.Observe(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	first.closed = true
	if _, err := d.Observe(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	if len(*endpoints) != 2 {
		t.Errorf("expected reconnect, got %d connections", len(*endpoints))
	}
}

func TestCDPHostOverride(t *testing.T) {
	d := newDriver(Config{CDPHost: "127.0.0.1", CDPPort: 9333})
	if got := d.endpoint(target); got != "http://127.0.0.1:9333" {
		t.Errorf("unexpected endpoint %q", got)
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		action  control.Action
		want    string
		wantErr bool
	}{
		{name: "navigate", action: control.Action{Type: control.ActionNavigate, Parameters: map[string]string{"url": "https://a.example"}}, want: "goto https://a.example"},
		{name: "click", action: control.Action{Type: control.ActionClick, Parameters: map[string]string{"selector": "#go"}}, want: "click #go"},
		{name: "type", action: control.Action{Type: control.ActionTypeText, Parameters: map[string]string{"selector": "#q", "text": "docs"}}, want: "fill #q=docs"},
		{name: "scroll", action: control.Action{Type: control.ActionScroll}, want: "eval"},
		{name: "navigate without url", action: control.Action{Type: control.ActionNavigate}, wantErr: true},
		{name: "click without selector", action: control.Action{Type: control.ActionClick}, wantErr: true},
		{name: "unknown", action: control.Action{Type: "hover"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pg := &fakePage{}
			d, _ := testDriver(pg)
			err := d.Apply(context.Background(), target, tt.action)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(pg.calls) != 1 || pg.calls[0] != tt.want {
				t.Errorf("got calls %v, want %q", pg.calls, tt.want)
			}
		})
	}
}

func TestApplyUsesContextDeadline(t *testing.T) {
	pg := &fakePage{}
	d, _ := testDriver(pg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.Apply(ctx, target, control.Action{Type: control.ActionNavigate, Parameters: map[string]string{"url": "https://a.example"}}); err != nil {
		t.Fatal(err)
	}
	if pg.timeouts[0] == nil || *pg.timeouts[0] <= 0 || *pg.timeouts[0] > 5000 {
		t.Errorf("expected a timeout within the deadline, got %v", pg.timeouts[0])
	}
}

func TestWaitAndDoneNeedNoBrowser(t *testing.T) {
	d, endpoints := testDriver()
	ctx := context.Background()

	if err := d.Apply(ctx, target, control.Action{Type: control.ActionDone}); err != nil {
		t.Fatal(err)
	}
	if err := d.Apply(ctx, target, control.Action{Type: control.ActionWait, Parameters: map[string]string{"seconds": "0.01"}}); err != nil {
		t.Fatal(err)
	}
	if len(*endpoints) != 0 {
		t.Errorf("wait and done must not attach, got %v", *endpoints)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := d.Apply(cancelled, target, control.Action{Type: control.ActionWait}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDetach(t *testing.T) {
	d, endpoints := testDriver(&fakePage{}, &fakePage{})
	if _, err := d.Observe(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	d.Detach("s1")
	d.Detach("s1")
	if _, err := d.Observe(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	if len(*endpoints) != 2 {
		t.Errorf("expected a fresh connection after detach, got %d", len(*endpoints))
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConnectError(t *testing.T) {
	d, _ := testDriver()
	if _, err := d.Observe(context.Background(), target); err == nil {
		t.Fatal("expected connect error")
	}
}
