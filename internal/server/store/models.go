package store

// Worker is the persisted lifecycle record for a managed agent process.
// Timestamps are unix milliseconds.
type Worker struct {
	ID             string `json:"id"`
	Handle         string `json:"handle"`
	TeamName       string `json:"teamName"`
	Role           string `json:"role"`
	SwarmID        string `json:"swarmId"`
	DepthLevel     int    `json:"depthLevel"`
	SpawnMode      string `json:"spawnMode"`
	Status         string `json:"status"`
	WorkingDir     string `json:"workingDir"`
	WorktreePath   string `json:"worktreePath"`
	WorktreeBranch string `json:"worktreeBranch"`
	SessionID      string `json:"sessionId"`
	PID            int    `json:"pid"`
	RestartCount   int    `json:"restartCount"`
	SpawnedAt      int64  `json:"spawnedAt"`
	LastHeartbeat  int64  `json:"lastHeartbeat"`
}

// BlackboardMessage is a persisted exchange message. ReadBy is stored as
// a JSON array of handles; ArchivedAt is zero while the message is live.
type BlackboardMessage struct {
	ID           string `json:"id"`
	SwarmID      string `json:"swarmId"`
	SenderHandle string `json:"senderHandle"`
	MessageType  string `json:"messageType"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Priority     int    `json:"priority"`
	Payload      string `json:"payload"`
	ReadBy       string `json:"readBy"`
	CreatedAt    int64  `json:"createdAt"`
	ArchivedAt   int64  `json:"archivedAt,omitempty"`
}

// Swarm is a named coordination group for blackboard traffic.
type Swarm struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// RestartRecord is one entry of worker restart history.
type RestartRecord struct {
	ID          int64  `json:"id"`
	WorkerID    string `json:"workerId"`
	Handle      string `json:"handle"`
	RestartedAt int64  `json:"restartedAt"`
}
