package twilio

import (
	"context"
	"errors"
	"strings"

	"github.com/harunnryd/callcenter/pkg/errorsx"
	"github.com/harunnryd/callcenter/pkg/identity"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// StartToneRecognition enables DTMF delivery for the call. Repeated calls are
// no-ops.
func (t *Transport) StartToneRecognition(ctx context.Context, callID string, target identity.Identity) error {
	_ = ctx
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[callID]
	if !ok {
		return errorsx.New(errorsx.ReasonNotFound, "call "+callID+" not found")
	}
	if !c.toneEnabled {
		c.toneEnabled = true
		t.logger.Info("tone_recognition_started", "call_id", callID, "target", target.String())
	}
	return nil
}

// HangUp completes the call at the provider.
func (t *Transport) HangUp(ctx context.Context, callID string) error {
	c, ok := t.lookup(callID)
	if !ok {
		return errorsx.New(errorsx.ReasonNotFound, "call "+callID+" not found")
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if err := t.updateCall(ctx, c.sid, params); err != nil {
		return err
	}
	t.logger.Info("call_hung_up", "call_id", callID, "call_sid", c.sid)
	return nil
}

// Transfer redirects the call to target. A non-empty note is read to the
// answering party before the caller is connected.
func (t *Transport) Transfer(ctx context.Context, callID, target, note string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.New("transfer target required")
	}
	c, ok := t.lookup(callID)
	if !ok {
		return errorsx.New(errorsx.ReasonNotFound, "call "+callID+" not found")
	}
	whisper := ""
	if strings.TrimSpace(note) != "" {
		t.mu.Lock()
		t.notes[callID] = note
		t.mu.Unlock()
		whisper = t.publicBase("https") + t.cfg.WhisperPath + "/" + callID
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(buildTransferTwiml(target, whisper))
	if err := t.updateCall(ctx, c.sid, params); err != nil {
		t.mu.Lock()
		delete(t.notes, callID)
		t.mu.Unlock()
		return err
	}
	t.logger.Info("call_transferred", "call_id", callID, "call_sid", c.sid, "has_note", whisper != "")
	return nil
}

func (t *Transport) updateCall(ctx context.Context, sid string, params *api.UpdateCallParams) error {
	_ = ctx
	if sid == "" {
		return errorsx.New(errorsx.ReasonNotFound, "call sid unknown")
	}
	updater := t.updateClient
	if updater == nil {
		if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
			return errorsx.New(errorsx.ReasonTelephonyCall, "missing twilio credentials")
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	if _, err := updater.UpdateCall(sid, params); err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) && (restErr.Status == 404 || restErr.Code == 20404) {
			return errorsx.Wrap(err, errorsx.ReasonNotFound)
		}
		return errorsx.Wrap(err, errorsx.ReasonTelephonyCall)
	}
	return nil
}

func buildTransferTwiml(target, whisperURL string) string {
	number := `<Number>`
	if whisperURL != "" {
		number = `<Number url="` + xmlEscape(whisperURL) + `">`
	}
	return `<Response><Dial>` + number + xmlEscape(target) + `</Number></Dial></Response>`
}
