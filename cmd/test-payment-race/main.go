package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	baseURL       = "http://localhost:8080"
	webhookSecret = "sk_test_xxx" // 与服务端 Payment.SecretKey 保持一致
)

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type orderData struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	PaymentRef string `json:"payment_ref"`
	Version    int64  `json:"version"`
}

type outcomeData struct {
	Reference     string `json:"reference"`
	OrderID       int64  `json:"order_id"`
	PaymentStatus string `json:"payment_status"`
	OrderStatus   string `json:"order_status"`
	Duplicate     bool   `json:"duplicate"`
}

func main() {
	fmt.Println("=== 支付对账竞态测试 ===")
	fmt.Println()

	// 1. 准备账号
	token, err := login("alice", "alice123")
	if err != nil {
		fmt.Printf("❌ 顾客登录失败: %v\n", err)
		return
	}
	fmt.Println("✅ 顾客登录成功")

	// 2. 下单并发起支付，拿到 reference
	o, err := placeOrder(token)
	if err != nil {
		fmt.Printf("❌ 下单失败: %v\n", err)
		return
	}
	fmt.Printf("✅ 下单成功 order=%d\n", o.ID)

	ref, err := initiatePayment(token, o.ID)
	if err != nil {
		fmt.Printf("❌ 发起支付失败: %v\n", err)
		return
	}
	fmt.Printf("✅ 发起支付成功 reference=%s\n\n", ref)

	// 3. callback 和重复 webhook 并发打进来，
	//    预期恰好一个通道报 duplicate=false
	fmt.Println("步骤3: 并发投递 callback + 3 份重复 webhook ...")
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		authentic int
		duplicate int
	)
	record := func(out *outcomeData, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			fmt.Printf("  通道返回错误: %v\n", err)
			return
		}
		if out.Duplicate {
			duplicate++
		} else {
			authentic++
		}
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		record(confirmCallback(token, ref))
	}()
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			record(postWebhook(ref))
		}()
	}
	wg.Wait()

	fmt.Printf("  权威结算 %d 次, 重复确认 %d 次\n", authentic, duplicate)
	if authentic <= 1 {
		fmt.Println("✅ 幂等对账通过: 最多一次权威结算")
	} else {
		fmt.Println("❌ 幂等对账失败: 出现多次权威结算")
	}

	// 4. 再查订单，确认状态稳定
	time.Sleep(500 * time.Millisecond)
	final, err := getOrder(token, o.ID)
	if err != nil {
		fmt.Printf("❌ 查询订单失败: %v\n", err)
		return
	}
	fmt.Printf("最终状态: status=%s version=%d\n", final.Status, final.Version)
}

func login(username, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := post("/api/login", "", body)
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

func placeOrder(token string) (*orderData, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"restaurant_id": 3,
		"items": []map[string]interface{}{
			{"product_id": 1, "name": "Margherita Pizza", "unit_price": 1599, "quantity": 1},
		},
		"address":        "12 Fulton Street, Springfield",
		"payment_method": "card",
	})
	resp, err := post("/api/orders", token, body)
	if err != nil {
		return nil, err
	}
	var o orderData
	if err := json.Unmarshal(resp.Data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func initiatePayment(token string, orderID int64) (string, error) {
	body, _ := json.Marshal(map[string]string{"email": "alice@example.com"})
	resp, err := post(fmt.Sprintf("/api/orders/%d/pay", orderID), token, body)
	if err != nil {
		return "", err
	}
	var data struct {
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", err
	}
	return data.Reference, nil
}

func confirmCallback(token, ref string) (*outcomeData, error) {
	resp, err := request(http.MethodGet, "/api/payment/callback?reference="+ref, token, nil, nil)
	if err != nil {
		return nil, err
	}
	var out outcomeData
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func postWebhook(ref string) (*outcomeData, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"event": "charge.success",
		"data":  map[string]interface{}{"reference": ref},
	})
	mac := hmac.New(sha512.New, []byte(webhookSecret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	resp, err := request(http.MethodPost, "/api/payment/webhook", "", body, map[string]string{
		"x-paystack-signature": sig,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("webhook ignored: %s", resp.Msg)
	}
	var out outcomeData
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func getOrder(token string, orderID int64) (*orderData, error) {
	resp, err := request(http.MethodGet, fmt.Sprintf("/api/orders/%d", orderID), token, nil, nil)
	if err != nil {
		return nil, err
	}
	var o orderData
	if err := json.Unmarshal(resp.Data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func post(path, token string, body []byte) (*apiResponse, error) {
	return request(http.MethodPost, path, token, body, nil)
}

func request(method, path, token string, body []byte, headers map[string]string) (*apiResponse, error) {
	req, err := http.NewRequest(method, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
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
