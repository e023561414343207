// Package notify delivers short free-text announcements to a group chat.
package notify

import "context"

// Notifier posts text to destination. What a destination is (a group, a
// channel) is up to the implementation.
type Notifier interface {
	Notify(ctx context.Context, destination, text string) error
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, destination, text string) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, destination, text string) error {
	return f(ctx, destination, text)
}
