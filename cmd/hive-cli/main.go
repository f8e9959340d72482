package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// 命令行客户端：注册账号、登录拿 Token、查余额、转账、看节点、申请资源。
// -n 大于 1 时并发申请资源，用来验证同一节点不会被重复分配。

type apiResponse struct {
	OK      bool            `json:"ok"`
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func main() {
	// --- 1. 定义命令行参数 ---
	poolURL := flag.String("pool", "http://localhost:8450", "Pool service base URL")
	action := flag.String("action", "", "register | login | balance | transfer | nodes | request")

	username := flag.String("user", "", "Username (register/login)")
	password := flag.String("pass", "", "Password (register/login)")
	token := flag.String("token", "", "Session token (balance/transfer/request)")

	receiver := flag.String("to", "", "Transfer receiver")
	amount := flag.Int64("amount", 0, "Transfer amount")

	cpuScore := flag.Int("cpu", 0, "Minimum CPU score")
	gpuScore := flag.Int("gpu", 0, "Minimum GPU score")
	memGB := flag.Int("mem", 0, "Minimum memory in GB")
	gpuMemGB := flag.Int("gpumem", 0, "Minimum GPU memory in GB")
	location := flag.String("location", "Any", "Node location filter")
	gpuName := flag.String("gpuname", "Any", "GPU model filter")
	requesterAddr := flag.String("addr", "localhost:9000", "Address workers connect back to")

	reqCount := flag.Int("n", 1, "Number of concurrent resource requests")

	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}

	switch *action {
	case "register", "login":
		body := map[string]string{"username": *username, "password": *password}
		resp := call(client, *poolURL+"/v1/users/"+*action, "", body)
		if *action == "login" && resp.OK {
			var data struct {
				Token string `json:"token"`
			}
			json.Unmarshal(resp.Data, &data)
			fmt.Printf("✅ Logged in. Token:\n%s\n", data.Token)
			return
		}
		printResult(resp)

	case "balance":
		resp := get(client, *poolURL+"/v1/users/balance", *token)
		if resp.OK {
			var data struct {
				Balance int64 `json:"balance"`
			}
			json.Unmarshal(resp.Data, &data)
			fmt.Printf("💰 Balance: %d\n", data.Balance)
			return
		}
		printResult(resp)

	case "transfer":
		body := map[string]interface{}{"receiver": *receiver, "amount": *amount}
		printResult(call(client, *poolURL+"/v1/users/transfer", *token, body))

	case "nodes":
		resp := get(client, *poolURL+"/v1/nodes", "")
		if !resp.OK {
			printResult(resp)
			return
		}
		var nodes []struct {
			NodeID   string `json:"node_id"`
			Status   string `json:"status"`
			CPUScore int    `json:"cpu_score"`
			GPUScore int    `json:"gpu_score"`
			MemoryGB int    `json:"memory_gb"`
			Location string `json:"location"`
			GPUName  string `json:"gpu_name"`
		}
		json.Unmarshal(resp.Data, &nodes)
		fmt.Printf("📋 %d node(s):\n", len(nodes))
		for _, n := range nodes {
			fmt.Printf("   %-20s %-8s cpu=%d gpu=%d mem=%dG %s %s\n",
				n.NodeID, n.Status, n.CPUScore, n.GPUScore, n.MemoryGB, n.Location, n.GPUName)
		}

	case "request":
		// 并发申请模式：-n 100 可以压测占用的原子性
		body := map[string]interface{}{
			"cpu_score":      *cpuScore,
			"gpu_score":      *gpuScore,
			"memory_gb":      *memGB,
			"gpu_memory_gb":  *gpuMemGB,
			"location":       *location,
			"gpu_name":       *gpuName,
			"requester_addr": *requesterAddr,
		}

		var wg sync.WaitGroup
		wg.Add(*reqCount)
		var mu sync.Mutex
		granted, denied := 0, 0
		start := time.Now()

		for i := 0; i < *reqCount; i++ {
			go func(id int) {
				defer wg.Done()
				resp := call(client, *poolURL+"/v1/resources/request", *token, body)
				mu.Lock()
				defer mu.Unlock()
				if resp.OK {
					granted++
					if *reqCount == 1 {
						fmt.Printf("✅ Matched: %s\n", string(resp.Data))
					}
				} else {
					denied++
					if *reqCount == 1 {
						fmt.Printf("❌ [%s] %s\n", resp.Kind, resp.Message)
					}
				}
			}(i)
		}
		wg.Wait()

		if *reqCount > 1 {
			fmt.Printf("\n✅ Finished %d requests in %v\n", *reqCount, time.Since(start))
			fmt.Printf("   Granted: %d  Denied: %d\n", granted, denied)
		}

	default:
		flag.Usage()
		log.Fatalf("Unknown action: %q", *action)
	}
}

func call(client *http.Client, url, token string, body interface{}) apiResponse {
	buf, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		log.Fatalf("❌ Bad request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return do(client, req)
}

func get(client *http.Client, url, token string) apiResponse {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		log.Fatalf("❌ Bad request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) apiResponse {
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("❌ Request failed: %v", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("❌ Bad response (%d): %v", resp.StatusCode, err)
	}
	return out
}

func printResult(resp apiResponse) {
	if resp.OK {
		fmt.Printf("✅ %s\n", resp.Message)
		return
	}
	fmt.Printf("❌ [%s] %s\n", resp.Kind, resp.Message)
}
