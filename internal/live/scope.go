package live

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const DefaultBaseURL = "ws://localhost:8080/v1/api"

type Kind int

const (
	KindList Kind = iota
	KindConversation
)

func (k Kind) String() string {
	if k == KindConversation {
		return "conversation"
	}
	return "list"
}

// Scope identifies what a channel is subscribed to. Owner is the signed-in
// operator's id and Category the list filter. Target (the visitor's user id)
// applies to the conversation kind only. A conversation's category is part
// of its identity but not of its URL.
type Scope struct {
	Kind     Kind
	Owner    string
	Category string
	Target   string
}

func ListScope(owner, category string) Scope {
	return Scope{Kind: KindList, Owner: owner, Category: category}
}

func ConversationScope(owner, target, category string) Scope {
	return Scope{Kind: KindConversation, Owner: owner, Category: category, Target: target}
}

func (s Scope) Validate() error {
	if strings.TrimSpace(s.Owner) == "" {
		return errors.New("unable to get user id from authentication token")
	}
	switch s.Kind {
	case KindList:
		if strings.TrimSpace(s.Category) == "" {
			return errors.New("list channel needs a category")
		}
	case KindConversation:
		if strings.TrimSpace(s.Target) == "" {
			return errors.New("conversation channel needs a target user id")
		}
	default:
		return fmt.Errorf("unknown channel kind %d", s.Kind)
	}
	return nil
}

// Key changes whenever the channel must be re-established.
func (s Scope) Key() string {
	return s.Kind.String() + "|" + s.Owner + "|" + s.Category + "|" + s.Target
}

// URL builds the channel address under base.
func (s Scope) URL(base string) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(base) == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse websocket base url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("websocket base url must be ws or wss, got %q", base)
	}
	owner := url.QueryEscape(s.Owner)
	if s.Kind == KindConversation {
		return fmt.Sprintf("%s/ws/individual?owner=%s&userId=%s", u.String(), owner, url.QueryEscape(s.Target)), nil
	}
	return fmt.Sprintf("%s/ws/case?owner=%s&category=%s", u.String(), owner, url.QueryEscape(s.Category)), nil
}
