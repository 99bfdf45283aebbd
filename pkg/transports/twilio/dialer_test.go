package twilio

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/callcenter/pkg/errorsx"
	"github.com/harunnryd/callcenter/pkg/transports"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type recordingCreator struct {
	calls []*api.CreateCallParams
	sid   string
	err   error
}

func (c *recordingCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	c.calls = append(c.calls, params)
	if c.err != nil {
		return nil, c.err
	}
	if c.sid == "" {
		return &api.ApiV2010Call{}, nil
	}
	return &api.ApiV2010Call{Sid: &c.sid}, nil
}

func testDialer(cfg Config, creator *recordingCreator) *Dialer {
	if cfg.AccountSID == "" {
		cfg.AccountSID = "AC1"
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = "token"
	}
	d := NewDialer(cfg)
	d.client = creator
	return d
}

func TestDialLandsOnIncomingWebhook(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"public url", Config{PublicURL: "https://cc.example.com/"}, "https://cc.example.com/api/incomingCall"},
		{"public host", Config{PublicURL: "cc.example.com", IncomingPath: "/voice"}, "https://cc.example.com/voice"},
		{"listen port", Config{ServerAddr: ":9090"}, "http://localhost:9090/api/incomingCall"},
		{"listen host", Config{ServerAddr: "10.0.0.5:8080"}, "http://10.0.0.5:8080/api/incomingCall"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			creator := &recordingCreator{sid: "CA1"}
			sid, err := testDialer(tc.cfg, creator).Dial(context.Background(), "+815011112222", "+815033334444", "")
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			if sid != "CA1" {
				t.Fatalf("expected CA1, got %q", sid)
			}
			p := creator.calls[0]
			if p.Url == nil || *p.Url != tc.want {
				t.Fatalf("expected webhook %s, got %v", tc.want, p.Url)
			}
			if *p.To != "+815011112222" || *p.From != "+815033334444" {
				t.Fatalf("unexpected numbers %s -> %s", *p.From, *p.To)
			}
			if p.SendDigits != nil {
				t.Fatalf("no digits expected, got %q", *p.SendDigits)
			}
		})
	}
}

func TestDialPressesMenuKeys(t *testing.T) {
	creator := &recordingCreator{sid: "CA2"}
	d := testDialer(Config{}, creator)
	var dialer transports.OutboundDialerWithOptions = d

	override := "https://staging.example.com/api/incomingCall"
	if _, err := dialer.DialWithOptions(context.Background(), "+1", "+2", override, transports.DialOptions{SendDigits: "wwww2"}); err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := creator.calls[0]
	if *p.Url != override {
		t.Fatalf("override url ignored: %s", *p.Url)
	}
	if p.SendDigits == nil || *p.SendDigits != "wwww2" {
		t.Fatalf("expected role keys to be sent, got %v", p.SendDigits)
	}

	if _, err := dialer.DialWithOptions(context.Background(), "+1", "+2", override, transports.DialOptions{SendDigits: "  "}); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if creator.calls[1].SendDigits != nil {
		t.Fatalf("blank digits must not be sent")
	}
}

func TestDialFailures(t *testing.T) {
	if _, err := testDialer(Config{}, &recordingCreator{}).Dial(context.Background(), "", "+2", ""); err == nil {
		t.Fatalf("expected error without a destination")
	}

	d := NewDialer(Config{})
	if _, err := d.Dial(context.Background(), "+1", "+2", ""); err == nil {
		t.Fatalf("expected error without credentials")
	}

	creator := &recordingCreator{err: errors.New("20003 authenticate")}
	_, err := testDialer(Config{}, creator).Dial(context.Background(), "+1", "+2", "")
	if !errorsx.HasReason(err, errorsx.ReasonTelephonyCall) {
		t.Fatalf("expected telephony reason, got %v", err)
	}
	if !errorsx.IsTransient(err) {
		t.Fatalf("rest failures are transient, got class %s", errorsx.Classify(err))
	}

	if _, err := testDialer(Config{}, &recordingCreator{}).Dial(context.Background(), "+1", "+2", ""); err == nil {
		t.Fatalf("expected error when twilio returns no sid")
	}
}
