package submission

// Visitor-facing messages.
const (
	MsgContactSent        = "Your message has been sent successfully!"
	MsgContactRateLimited = "Too many submissions. Please try again later."
	MsgContactRequired    = "Please fill in all required fields."
	MsgMessageTooShort    = "Please provide a more detailed message."
	MsgMessageTooLong     = "Your message is too long. Please shorten it and try again."
	MsgContactFailed      = "Failed to send your message. Please try again later."

	MsgNewsletterSubscribed  = "Successfully subscribed! Check your email for a welcome message."
	MsgNewsletterHoneypot    = "Thank you for subscribing to our newsletter!"
	MsgNewsletterRateLimited = "Too many subscription attempts. Please try again later."
	MsgAlreadySubscribed     = "This email is already subscribed to our newsletter!"
	MsgDisposableEmail       = "Please use a permanent email address."
	MsgNewsletterFailed      = "Failed to subscribe. Please try again."
	MsgNewsletterUnreachable = "Unable to connect to the newsletter service. Please try again later."

	MsgServerConfiguration = "Server configuration error"
	MsgUnknownCaller       = "Unable to process your request. Please try again later."
)
