package domain

import (
	"fmt"
	"sort"
	"time"
)

// Contact is a single e-mail recipient. Email is unique across contacts.
type Contact struct {
	ID         string    `json:"id" db:"id"`
	Email      string    `json:"email" db:"email"`
	FirstName  string    `json:"first_name" db:"first_name"`
	LastName   string    `json:"last_name" db:"last_name"`
	Subscribed bool      `json:"subscribed" db:"subscribed"`
	ValidEmail bool      `json:"valid_email" db:"valid_email"`
	Tester     bool      `json:"tester" db:"tester"`
	Tags       []string  `json:"tags" db:"-"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// MailFormat returns the address as it appears in the To header.
func (c *Contact) MailFormat() string {
	if c.FirstName != "" && c.LastName != "" {
		return fmt.Sprintf("%s %s <%s>", c.LastName, c.FirstName, c.Email)
	}
	return c.Email
}

// Deliverable reports whether the contact may receive campaign mail.
func (c *Contact) Deliverable() bool {
	return c.Subscribed && c.ValidEmail
}

// MailingList groups subscribers. Membership lives in the store; a list
// record only carries identity.
type MailingList struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExpeditionSet returns the subscribers that are deliverable and have not
// opted out of the list. The result is de-duplicated by contact ID and
// sorted by ID, so it does not depend on input order.
func ExpeditionSet(subscribers, unsubscribers []Contact) []Contact {
	optedOut := make(map[string]struct{}, len(unsubscribers))
	for _, c := range unsubscribers {
		optedOut[c.ID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(subscribers))
	out := make([]Contact, 0, len(subscribers))
	for _, c := range subscribers {
		if !c.Deliverable() {
			continue
		}
		if _, ok := optedOut[c.ID]; ok {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	SortContacts(out)
	return out
}

// SortContacts orders contacts by ID, the stable resolution key.
func SortContacts(contacts []Contact) {
	sort.SliceStable(contacts, func(i, j int) bool { return contacts[i].ID < contacts[j].ID })
}
