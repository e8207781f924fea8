package domain

import (
	"callcore/pkg/errors"
)

// Credentials identify the session a client joins.
type Credentials struct {
	APIKey    string `json:"apiKey" yaml:"api_key"`
	SessionID string `json:"sessionId" yaml:"session_id"`
	Token     string `json:"token" yaml:"token"`
}

// Validate reports the first missing credential.
func (c Credentials) Validate() error {
	for _, field := range []struct {
		name  string
		value string
	}{
		{"apiKey", c.APIKey},
		{"sessionId", c.SessionID},
		{"token", c.Token},
	} {
		if field.value == "" {
			return errors.NewInvalidParametersError(field.name + " is a required credential").
				WithContext("credential", field.name)
		}
	}
	return nil
}

// TokenRole limits what a connection may do in a session.
type TokenRole string

const (
	TokenRoleSubscriber TokenRole = "subscriber"
	TokenRolePublisher  TokenRole = "publisher"
	TokenRoleModerator  TokenRole = "moderator"
)

// Allows reports whether r grants at least the rights of required.
func (r TokenRole) Allows(required TokenRole) bool {
	return tokenRoleRank[r] >= tokenRoleRank[required] && tokenRoleRank[r] > 0
}

var tokenRoleRank = map[TokenRole]int{
	TokenRoleSubscriber: 1,
	TokenRolePublisher:  2,
	TokenRoleModerator:  3,
}
