// Package gateway fans realtime events out to client connections across
// worker processes. Room ids are derived per emission from the conversation
// id and optional channel names; the cross-process relay is a minimal
// pub/sub Broker so the transport can be swapped without touching room
// computation.
package gateway

// RoomIDs derives the fanout targets for an emission: the conversation-level
// room, plus one room per channel name when channels are given.
func RoomIDs(conversationID string, channels []string) []string {
	rooms := []string{conversationID}
	for _, ch := range channels {
		rooms = append(rooms, conversationID+"_"+ch)
	}
	return rooms
}
