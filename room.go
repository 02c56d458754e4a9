package siolink

import "sync"

type Room struct {
	Name    string
	mtx     sync.RWMutex
	sockets Sockets
}

func (room *Room) join(socket *ServerSocket) {
	room.mtx.Lock()
	room.sockets[socket.id] = socket
	room.mtx.Unlock()

	socket.roomsMtx.Lock()
	socket.rooms[room.Name] = room
	socket.roomsMtx.Unlock()
}

func (room *Room) leave(socket *ServerSocket) {
	room.mtx.Lock()
	delete(room.sockets, socket.id)
	room.mtx.Unlock()

	socket.roomsMtx.Lock()
	delete(socket.rooms, room.Name)
	socket.roomsMtx.Unlock()
}

func (room *Room) Len() int {
	room.mtx.RLock()
	defer room.mtx.RUnlock()
	return len(room.sockets)
}

// Sockets returns the members of the room.
func (room *Room) Sockets() Sockets {
	room.mtx.RLock()
	defer room.mtx.RUnlock()
	sockets := make(Sockets, len(room.sockets))
	for id, socket := range room.sockets {
		sockets[id] = socket
	}
	return sockets
}

func (room *Room) Emit(event string, args ...any) {
	room.Sockets().Emit(event, args...)
}

func (server *Server) CreateRoom(name string) *Room {
	return server.room(name, true)
}

func (server *Server) DeleteRoom(name string) {
	server.roomsMtx.Lock()
	defer server.roomsMtx.Unlock()
	if room, ok := server.rooms[name]; ok && room.Len() == 0 {
		delete(server.rooms, name)
	}
}

// To returns the members of a room, empty when there is no such room.
func (server *Server) To(name string) Sockets {
	if room := server.room(name, false); room != nil {
		return room.Sockets()
	}
	return Sockets{}
}

func (server *Server) room(name string, create bool) *Room {
	server.roomsMtx.Lock()
	defer server.roomsMtx.Unlock()
	room, isFound := server.rooms[name]
	if !isFound && create {
		room = &Room{Name: name, sockets: Sockets{}}
		server.rooms[name] = room
	}
	return room
}
