package chat

import "github.com/ponzS/talkflow-core/internal/graph"

// MsgsPath returns the per-chat envelope collection node.
func MsgsPath(chatID string) graph.Path {
	return graph.P("chats", chatID, "msgs")
}

// EnvelopePath returns one message's envelope node.
func EnvelopePath(chatID, msgID string) graph.Path {
	return graph.P("chats", chatID, "msgs", msgID)
}

// ReceiptsPath returns the per-chat delivery-receipt collection node.
func ReceiptsPath(chatID string) graph.Path {
	return graph.P("chats", chatID, "receipts")
}

// ReceiptPath returns the receipt node for one message.
func ReceiptPath(chatID, msgID string) graph.Path {
	return graph.P("chats", chatID, "receipts", msgID)
}
