package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

const baseURL = "http://localhost:8080"

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// 多个骑手同时抢同一个 ready 订单，预期恰好一人成功，
// 其余全部收到 409
func main() {
	fmt.Println("=== 骑手抢单竞态测试 ===")
	fmt.Println()

	drivers := []struct{ username, password string }{
		{"driver-wang", "driver123"},
		{"driver-li", "driver123"},
	}

	tokens := make([]string, 0, len(drivers))
	for _, d := range drivers {
		token, err := login(d.username, d.password)
		if err != nil {
			fmt.Printf("❌ %s 登录失败: %v\n", d.username, err)
			return
		}
		tokens = append(tokens, token)
	}
	fmt.Printf("✅ %d 名骑手登录成功\n", len(tokens))

	// 用第一名骑手视角找一个可抢的订单
	orderID, err := firstAvailable(tokens[0])
	if err != nil {
		fmt.Printf("❌ 没有可抢订单: %v\n", err)
		fmt.Println("提示: 先让顾客下单支付、餐厅推进到 ready")
		return
	}
	fmt.Printf("✅ 目标订单 order=%d\n\n", orderID)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i, token := range tokens {
		wg.Add(1)
		go func(name, token string) {
			defer wg.Done()
			err := advance(token, orderID, "picked_up")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				losers++
				fmt.Printf("  %s 落败: %v\n", name, err)
				return
			}
			winners = append(winners, name)
			fmt.Printf("  %s 抢单成功\n", name)
		}(drivers[i].username, token)
	}
	wg.Wait()

	fmt.Println()
	if len(winners) == 1 {
		fmt.Printf("✅ 先到先得成立: %s 获得订单, %d 人落败\n", winners[0], losers)
	} else {
		fmt.Printf("❌ 分配异常: %d 人同时成功\n", len(winners))
	}
}

func login(username, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := call(http.MethodPost, "/api/login", "", body)
	if err != nil {
		return "", err
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", err
	}
	return data.Token, nil
}

func firstAvailable(token string) (int64, error) {
	resp, err := call(http.MethodGet, "/api/driver/available", token, nil)
	if err != nil {
		return 0, err
	}
	var list []struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		return 0, err
	}
	if len(list) == 0 {
		return 0, fmt.Errorf("no ready orders")
	}
	return list[0].ID, nil
}

func advance(token string, orderID int64, target string) error {
	body, _ := json.Marshal(map[string]string{"target": target})
	_, err := call(http.MethodPost, fmt.Sprintf("/api/orders/%d/advance", orderID), token, body)
	return err
}

func call(method, path, token string, body []byte) (*apiResponse, error) {
	req, err := http.NewRequest(method, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("bad response (%d): %s", resp.StatusCode, raw)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("api error (%d): %s", out.Code, out.Msg)
	}
	return &out, nil
}
