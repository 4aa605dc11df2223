// Package campaign implements campaign lifecycle management for the
// dispatch engine.
//
// The service layer owns recipient resolution (who is still owed a message),
// outcome classification and recording, and the campaign status state
// machine. It depends on the Repository interface defined in this package and
// never talks to a mail server itself.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package campaign
