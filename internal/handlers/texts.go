package handlers

import "fmt"

const verifyPrefix = "verify_"

const (
	startText = "🤖 Welcome to PermaStore Bot!\n\n" +
		"Send me any file, and I will give you a permanent shareable link!"
	helpText = "Here's how to use me:\n" +
		"1. Send any file (document, video, photo, audio).\n" +
		"2. Add to batch or get a permanent link.\n" +
		"3. Click the link to access your files anytime."

	notFoundText     = "❌ File not found or link expired."
	verifyFailedText = "⚠️ We could not check your membership right now. Please try again in a moment."
	redeemFailedText = "❌ Something went wrong while sending your files. Please try again later."

	notJoinedAlert = "❌ You haven't joined yet. Please join and try again."
	verifiedAlert  = "✅ Verified! Sending your file..."

	adminOnlyText  = "❌ Only admins can upload files."
	uploadingText  = "⏳ Uploading your file..."
	uploadFailText = "❌ Could not add the file to your batch. Please try again."
	addMoreText    = "✅ OK! Send me more files to add to your batch."
	closedText     = "❌ Batch closed. All queued files cleared."

	revokeFailedText = "❌ Could not revoke the link. Please try again."

	emptyBatchAlert = "❌ Your batch is empty!"
	mintFailedAlert = "❌ Could not create a link right now. Please try again."
)

func joinPromptText(name string) string {
	return fmt.Sprintf("👋 Hello %s!\n\nYou must join our update channel to access this file.", name)
}

func batchUpdatedText(count int) string {
	return fmt.Sprintf("✅ Batch Updated! You have %d file(s) in the queue. What's next?", count)
}

func linkText(count int, link string) string {
	return fmt.Sprintf("✅ Free Link Generated for %d file(s)!\n\n%s", count, link)
}

func revokedText(token string) string {
	return fmt.Sprintf("🗑 Link %s revoked.", token)
}
