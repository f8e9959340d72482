package api

import (
	"net/http"

	"hivemind/pkg/model"
)

// ---------------------------------------------------------
// 节点侧
// ---------------------------------------------------------

type registerNodeRequest struct {
	NodeID     string `json:"node_id"`
	Hostname   string `json:"hostname"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	CPUCores   int    `json:"cpu_cores"`
	MemoryGB   int    `json:"memory_gb"`
	CPUScore   int    `json:"cpu_score"`
	GPUScore   int    `json:"gpu_score"`
	GPUMemGB   int    `json:"gpu_memory_gb"`
	Location   string `json:"location"`
	GPUName    string `json:"gpu_name"`
	DockerStat string `json:"docker_status"`
	Owner      string `json:"owner"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{OK: false, Kind: "bad_request", Message: "node_id is required"})
		return
	}
	if req.CPUCores < 0 || req.MemoryGB < 0 || req.CPUScore < 0 || req.GPUScore < 0 || req.GPUMemGB < 0 {
		writeJSON(w, http.StatusBadRequest, apiResponse{OK: false, Kind: "bad_request", Message: "capability fields must be non-negative"})
		return
	}

	node := &model.NodeRecord{
		ID:         req.NodeID,
		Hostname:   req.Hostname,
		IP:         req.IP,
		Port:       req.Port,
		CPUCores:   req.CPUCores,
		MemoryGB:   req.MemoryGB,
		CPUScore:   req.CPUScore,
		GPUScore:   req.GPUScore,
		GPUMemGB:   req.GPUMemGB,
		Location:   req.Location,
		GPUName:    req.GPUName,
		DockerStat: req.DockerStat,
		Owner:      req.Owner,
	}
	msg, err := s.registry.Register(r.Context(), node)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, msg, nil)
}

type heartbeatRequest struct {
	NodeID string `json:"node_id"`
	Status string `json:"status"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{OK: false, Kind: "bad_request", Message: "node_id is required"})
		return
	}
	if err := s.registry.Heartbeat(r.Context(), req.NodeID, req.Status); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, "status updated", nil)
}

// listedNode 对外的节点视图，不泄露内部版本号
type listedNode struct {
	NodeID        string `json:"node_id"`
	Hostname      string `json:"hostname"`
	CPUCores      int    `json:"cpu_cores"`
	MemoryGB      int    `json:"memory_gb"`
	CPUScore      int    `json:"cpu_score"`
	GPUScore      int    `json:"gpu_score"`
	GPUMemGB      int    `json:"gpu_memory_gb"`
	Location      string `json:"location"`
	GPUName       string `json:"gpu_name"`
	DockerStat    string `json:"docker_status"`
	Status        string `json:"status"`
	StatusNote    string `json:"status_note,omitempty"`
	LastHeartbeat int64  `json:"last_heartbeat"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.registry.List(r.Context(), true, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]listedNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, listedNode{
			NodeID:        n.ID,
			Hostname:      n.Hostname,
			CPUCores:      n.CPUCores,
			MemoryGB:      n.MemoryGB,
			CPUScore:      n.CPUScore,
			GPUScore:      n.GPUScore,
			GPUMemGB:      n.GPUMemGB,
			Location:      n.Location,
			GPUName:       n.GPUName,
			DockerStat:    n.DockerStat,
			Status:        string(n.Status),
			StatusNote:    n.StatusNote,
			LastHeartbeat: n.LastHeartbeat,
		})
	}
	writeOK(w, "", out)
}

// ---------------------------------------------------------
// 资源请求
// ---------------------------------------------------------

type resourceRequest struct {
	CPUScore      int    `json:"cpu_score"`
	GPUScore      int    `json:"gpu_score"`
	MemoryGB      int    `json:"memory_gb"`
	GPUMemGB      int    `json:"gpu_memory_gb"`
	Location      string `json:"location"`
	GPUName       string `json:"gpu_name"`
	RequesterAddr string `json:"requester_addr"` // Worker 回连的目标地址
}

func (s *Server) handleRequestResource(w http.ResponseWriter, r *http.Request) {
	username, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req resourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CPUScore < 0 || req.GPUScore < 0 || req.MemoryGB < 0 || req.GPUMemGB < 0 {
		writeJSON(w, http.StatusBadRequest, apiResponse{OK: false, Kind: "bad_request", Message: "capability minimums must be non-negative"})
		return
	}
	if req.RequesterAddr == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{OK: false, Kind: "bad_request", Message: "requester_addr is required"})
		return
	}

	result, sessionID, err := s.orch.RequestResource(r.Context(), model.ResourceRequest{
		CPUScore:  req.CPUScore,
		GPUScore:  req.GPUScore,
		MemoryGB:  req.MemoryGB,
		GPUMemGB:  req.GPUMemGB,
		Location:  req.Location,
		GPUName:   req.GPUName,
		Requester: username,
	}, req.RequesterAddr)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeOK(w, "node matched", map[string]interface{}{
		"session_id": sessionID,
		"node": listedNode{
			NodeID:   result.Node.ID,
			Hostname: result.Node.Hostname,
			CPUScore: result.Node.CPUScore,
			GPUScore: result.Node.GPUScore,
			MemoryGB: result.Node.MemoryGB,
			GPUMemGB: result.Node.GPUMemGB,
			Location: result.Node.Location,
			GPUName:  result.Node.GPUName,
			Status:   string(model.NodeBusy), // 返回时已被占用
		},
		"distance": result.Distance,
	})
}

// ---------------------------------------------------------
// 用户侧
// ---------------------------------------------------------

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ledger.Register(r.Context(), req.Username, req.Password); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, "user registered", nil)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := s.ledger.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, "login successful", map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, apiResponse{OK: false, Kind: "invalid_token", Message: "missing bearer token"})
		return
	}
	if err := s.ledger.Logout(token); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, "logged out", nil)
}

type transferRequest struct {
	Receiver string `json:"receiver"`
	Amount   int64  `json:"amount"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	username, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ledger.Transfer(r.Context(), username, req.Receiver, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, "transfer completed", nil)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	username, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.Balance(r.Context(), username)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, "", map[string]int64{"balance": balance})
}

// ---------------------------------------------------------
// 集群健康统计
// ---------------------------------------------------------

func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	all, err := s.registry.List(r.Context(), false, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	alive, err := s.registry.List(r.Context(), true, false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	aliveSet := make(map[string]bool, len(alive))
	stats := struct {
		OnlineNodes  int `json:"online_nodes"`
		OfflineNodes int `json:"offline_nodes"`
		BusyNodes    int `json:"busy_nodes"`
		IdleNodes    int `json:"idle_nodes"`
		TotalCPU     int `json:"total_cpu_score"`
		TotalGPU     int `json:"total_gpu_score"`
		TotalMemGB   int `json:"total_memory_gb"`
	}{}

	for _, n := range alive {
		aliveSet[n.ID] = true
		stats.OnlineNodes++
		switch n.Status {
		case model.NodeBusy:
			stats.BusyNodes++
		default:
			stats.IdleNodes++
		}
		stats.TotalCPU += n.CPUScore
		stats.TotalGPU += n.GPUScore
		stats.TotalMemGB += n.MemoryGB
	}
	for _, n := range all {
		if !aliveSet[n.ID] {
			stats.OfflineNodes++
		}
	}
	writeOK(w, "", stats)
}
