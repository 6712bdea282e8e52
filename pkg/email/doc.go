// Package email sends operator notifications, such as billing records that
// need manual review.
//
// Sender is implemented by the Postmark client for production and by
// DevSender, which writes each message to a directory instead of sending it.
//
//	sender, err := email.NewPostmarkSender(cfg)
//	if err != nil {
//		return err
//	}
//	err = sender.Send(ctx, email.Message{
//		To:       "billing-ops@example.com",
//		Subject:  "Customer id conflict",
//		TextBody: body,
//		Tag:      "billing-conflict",
//	})
package email
