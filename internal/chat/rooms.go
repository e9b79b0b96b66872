package chat

// PrimaryRoom is the push room carrying events for a single conversation.
func PrimaryRoom(conversationID string) string {
	return "conv:" + conversationID
}

// BroadcastRoom is the shared push room of a group-backed conversation.
// Group conversations without a backing group fall back to their own ID.
func BroadcastRoom(c *Conversation) string {
	if c.GroupID != "" {
		return "group:" + c.GroupID
	}
	return "group:" + c.ID
}

// Rooms returns every room a client must be in while c is active.
func Rooms(c *Conversation) []string {
	if c == nil {
		return nil
	}
	rooms := []string{PrimaryRoom(c.ID)}
	if c.Kind == KindGroup {
		rooms = append(rooms, BroadcastRoom(c))
	}
	return rooms
}
