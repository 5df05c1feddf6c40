// Package mail reads newsletter messages out of a Gmail mailbox. It exposes a
// narrow Source interface so the extractor can run against a fake in tests.
package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"he_alerts/internal/models"
)

// Message is one fetched newsletter with its renderable parts. InlineImages
// preserves the order of appearance in the MIME tree; the crypto parser
// addresses images by that positional index.
type Message struct {
	ID           string
	Subject      string
	From         string
	Date         time.Time
	HTML         string
	Text         string
	InlineImages [][]byte
}

// Source lists and fetches newsletter messages.
type Source interface {
	ListMessages(ctx context.Context, subjectQuery string, since, until time.Time) ([]string, error)
	Fetch(ctx context.Context, id string) (*Message, error)
}

const (
	retryInitial  = 500 * time.Millisecond
	retryCap      = 8 * time.Second
	retryAttempts = 4
)

// GmailSource is the production Source backed by the Gmail API.
type GmailSource struct {
	svc     *gmail.Service
	timeout time.Duration
}

// NewGmailSource authenticates against Gmail with a cached OAuth token and an
// installed-app credentials file. The token must already exist; minting one
// is an interactive, one-time setup step outside this process.
func NewGmailSource(ctx context.Context, credentialsPath, tokenPath string, timeout time.Duration) (*GmailSource, error) {
	cfg, err := loadOAuthConfig(credentialsPath)
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read gmail token %s: %w", tokenPath, err)
	}

	// TokenSource refreshes transparently; persist the refreshed token so the
	// next process start does not burn a refresh.
	ts := cfg.TokenSource(ctx, tok)
	fresh, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: refresh gmail token: %v", models.ErrSourceUnavailable, err)
	}
	if fresh.AccessToken != tok.AccessToken {
		if err := saveToken(tokenPath, fresh); err != nil {
			log.Warn().Err(err).Msg("could not persist refreshed gmail token")
		}
	}

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &GmailSource{svc: svc, timeout: timeout}, nil
}

// ListMessages returns message IDs whose subject matches subjectQuery inside
// [since, until), newest first per Gmail's default ordering.
func (s *GmailSource) ListMessages(ctx context.Context, subjectQuery string, since, until time.Time) ([]string, error) {
	query := fmt.Sprintf("subject:%q after:%d before:%d", subjectQuery, since.Unix(), until.Unix())
	log.Debug().Str("query", query).Msg("gmail search")

	var ids []string
	err := s.withRetry(ctx, "list messages", func(callCtx context.Context) error {
		ids = ids[:0]
		pageToken := ""
		for {
			call := s.svc.Users.Messages.List("me").Q(query).MaxResults(50).Context(callCtx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			resp, err := call.Do()
			if err != nil {
				return err
			}
			for _, m := range resp.Messages {
				ids = append(ids, m.Id)
			}
			if resp.NextPageToken == "" {
				return nil
			}
			pageToken = resp.NextPageToken
		}
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Fetch retrieves a full message and flattens its MIME tree into renderable
// parts and ordered inline images.
func (s *GmailSource) Fetch(ctx context.Context, id string) (*Message, error) {
	var raw *gmail.Message
	err := s.withRetry(ctx, "fetch message", func(callCtx context.Context) error {
		var err error
		raw, err = s.svc.Users.Messages.Get("me", id).Format("full").Context(callCtx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	msg := &Message{ID: id}
	if raw.Payload == nil {
		return msg, nil
	}
	for _, h := range raw.Payload.Headers {
		switch h.Name {
		case "Subject":
			msg.Subject = h.Value
		case "From":
			msg.From = h.Value
		case "Date":
			if d, err := mail.ParseDate(h.Value); err == nil {
				msg.Date = d
			}
		}
	}
	if err := s.walkPart(ctx, id, raw.Payload, msg); err != nil {
		return nil, err
	}
	log.Debug().Str("id", id).Str("subject", msg.Subject).
		Int("images", len(msg.InlineImages)).Msg("fetched message")
	return msg, nil
}

// walkPart descends the MIME tree depth-first so image indices are stable for
// a given publisher layout.
func (s *GmailSource) walkPart(ctx context.Context, msgID string, part *gmail.MessagePart, out *Message) error {
	switch {
	case part.MimeType == "text/html":
		if b, err := decodeBody(part); err == nil {
			out.HTML += string(b)
		}
	case part.MimeType == "text/plain":
		if b, err := decodeBody(part); err == nil {
			out.Text += string(b)
		}
	case strings.HasPrefix(part.MimeType, "image/"):
		b, err := s.partImage(ctx, msgID, part)
		if err != nil {
			return err
		}
		if len(b) > 0 {
			out.InlineImages = append(out.InlineImages, b)
		}
	}
	for _, sub := range part.Parts {
		if err := s.walkPart(ctx, msgID, sub, out); err != nil {
			return err
		}
	}
	return nil
}

// partImage returns an image part's bytes, following the attachment
// indirection Gmail uses for anything beyond a few KB.
func (s *GmailSource) partImage(ctx context.Context, msgID string, part *gmail.MessagePart) ([]byte, error) {
	if part.Body == nil {
		return nil, nil
	}
	if part.Body.Data != "" {
		return base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data)
	}
	if part.Body.AttachmentId == "" {
		return nil, nil
	}
	var data string
	err := s.withRetry(ctx, "fetch attachment", func(callCtx context.Context) error {
		att, err := s.svc.Users.Messages.Attachments.Get("me", msgID, part.Body.AttachmentId).Context(callCtx).Do()
		if err != nil {
			return err
		}
		data = att.Data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
}

func decodeBody(part *gmail.MessagePart) ([]byte, error) {
	if part.Body == nil || part.Body.Data == "" {
		return nil, nil
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data)
}

// withRetry runs fn with a per-attempt deadline and exponential backoff.
// Exhausted retries surface as ErrSourceUnavailable so the extractor can
// abort the category cleanly.
func (s *GmailSource) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	delay := retryInitial
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if s.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		}
		err = fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		if attempt < retryAttempts {
			log.Warn().Err(err).Str("op", op).Int("attempt", attempt).
				Dur("backoff", delay).Msg("gmail call failed, retrying")
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", models.ErrSourceUnavailable, op, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryCap {
				delay = retryCap
			}
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", models.ErrSourceUnavailable, op, retryAttempts, err)
}

func loadOAuthConfig(path string) (*oauth2.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials %s: %w", path, err)
	}
	var cred struct {
		Installed *clientSecret `json:"installed"`
		Web       *clientSecret `json:"web"`
	}
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}
	sec := cred.Installed
	if sec == nil {
		sec = cred.Web
	}
	if sec == nil {
		return nil, fmt.Errorf("gmail credentials %s: no installed or web client", path)
	}
	return &oauth2.Config{
		ClientID:     sec.ClientID,
		ClientSecret: sec.ClientSecret,
		RedirectURL:  "http://localhost",
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:  sec.AuthURI,
			TokenURL: sec.TokenURI,
		},
	}, nil
}

type clientSecret struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	AuthURI      string `json:"auth_uri"`
	TokenURI     string `json:"token_uri"`
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}
