package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/example/speedyspoon/internal/config"
	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/datamodels/user"
	"github.com/example/speedyspoon/internal/repository/mysql"
	"github.com/example/speedyspoon/internal/service"
)

// 初始化演示账号，幂等：已存在的用户名直接跳过
func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db := mysql.Init(&cfg.MySQL)
	userRepo := mysql.NewUserRepository(db)
	userSvc := service.NewUserService(userRepo, &cfg.JWT)

	seeds := []struct {
		username string
		password string
		role     user.Role
	}{
		{"alice", "alice123", user.RoleCustomer},
		{"bob", "bob123", user.RoleCustomer},
		{"pasta-house", "pasta123", user.RoleRestaurant},
		{"burger-hub", "burger123", user.RoleRestaurant},
		{"driver-wang", "driver123", user.RoleDriver},
		{"driver-li", "driver123", user.RoleDriver},
	}

	ctx := context.Background()
	for _, s := range seeds {
		u, err := userSvc.Register(ctx, s.username, s.password, s.role)
		if err != nil {
			fmt.Printf("skip %s: %v\n", s.username, err)
			continue
		}
		fmt.Printf("created %s (id=%d, role=%s)\n", u.Username, u.ID, u.Role)
	}

	// 一笔演示订单：alice 在 pasta-house 下的双人餐，已到 ready，
	// 方便骑手端直接演练抢单
	orderRepo := mysql.NewOrderRepository(db)
	demo := &order.Order{
		CustomerID:   1,
		RestaurantID: 3,
		Items: []order.OrderItem{
			{MenuItemID: 1, Name: "Margherita Pizza", UnitPrice: 1599, Quantity: 1, LineTotal: 1599},
			{MenuItemID: 2, Name: "Garlic Bread", UnitPrice: 350, Quantity: 2, LineTotal: 700},
		},
		ItemsTotal:    2299,
		DeliveryFee:   cfg.Order.DeliveryFee,
		TotalAmount:   2299 + cfg.Order.DeliveryFee,
		Address:       "12 Fulton Street, Springfield",
		Status:        order.StatusReady,
		PaymentStatus: order.PaymentPaid,
		PaymentMethod: order.MethodCard,
		Version:       4,
	}
	if err := orderRepo.Insert(ctx, demo); err != nil {
		fmt.Printf("skip demo order: %v\n", err)
	} else {
		fmt.Printf("created demo order (id=%d, status=%s)\n", demo.ID, demo.Status)
	}

	// admin 不允许走 Register，直接入库，哈希方式与登录保持一致
	salt := "speedyspoon"
	h := sha256.Sum256([]byte("admin123" + salt))
	admin := &user.User{
		Username: "admin",
		Password: hex.EncodeToString(h[:]),
		Salt:     salt,
		Role:     user.RoleAdmin,
	}
	if err := userRepo.Create(ctx, admin); err != nil {
		fmt.Printf("skip admin: %v\n", err)
	} else {
		fmt.Printf("created admin (id=%d)\n", admin.ID)
	}
}
