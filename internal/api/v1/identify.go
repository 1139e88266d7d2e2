package v1

import "fmt"

// Identify associates an anonymous id with a known user id. Traits are
// free-form and stored on the user profile.
type Identify struct {
	UserID      string                 `json:"user_id"`
	AnonymousID string                 `json:"anonymous_id"`
	Traits      map[string]interface{} `json:"traits,omitempty"`
}

// Validate ensures both sides of the mapping are present.
func (i *Identify) Validate() error {
	if i.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if i.AnonymousID == "" {
		return fmt.Errorf("anonymous_id is required")
	}
	return nil
}
