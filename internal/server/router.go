package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kataras/iris/v12"

	"github.com/example/speedyspoon/internal/auth"
	"github.com/example/speedyspoon/internal/config"
	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/datamodels/user"
	"github.com/example/speedyspoon/internal/gateway"
	"github.com/example/speedyspoon/internal/infra/mq"
	"github.com/example/speedyspoon/internal/infra/redis"
	"github.com/example/speedyspoon/internal/middleware"
	"github.com/example/speedyspoon/internal/repository/mysql"
	"github.com/example/speedyspoon/internal/service"
)

const actorKey = "actor"

// RegisterRoutes 注册所有 HTTP 路由
func RegisterRoutes(app *iris.Application, cfg *config.Config) {
	// 初始化基础设施
	db := mysql.Init(&cfg.MySQL)
	redisClient := redis.Init(&cfg.Redis)
	mqConn := mq.Init(&cfg.RabbitMQ)

	// 仓储与服务
	userRepo := mysql.NewUserRepository(db)
	orderRepo := mysql.NewOrderRepository(db)
	paymentRepo := mysql.NewPaymentRepository(db)

	feed, err := service.NewFeed(mqConn)
	if err != nil {
		panic(fmt.Sprintf("init feed: %v", err))
	}

	gw := gateway.NewClient(&cfg.Payment)
	userSvc := service.NewUserService(userRepo, &cfg.JWT)
	orderSvc := service.NewOrderService(orderRepo, feed, &cfg.Order)
	fulfillSvc := service.NewFulfillmentService(orderRepo, feed)
	paymentSvc := service.NewPaymentService(orderRepo, paymentRepo, gw, feed, redisClient)

	ring := auth.NewConsistentHashRing(cfg.Auth.Nodes, cfg.Auth.HashReplicas)
	tokenCache := auth.NewTokenCache(redisClient, ring, time.Duration(cfg.Auth.TokenCacheTTLSeconds)*time.Second)

	api := app.Party("/api")

	// 健康检查
	api.Get("/health", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"code": 0, "msg": "ok"})
	})

	// 用户注册/登录
	api.Post("/register", func(ctx iris.Context) {
		var req struct {
			Username string    `json:"username"`
			Password string    `json:"password"`
			Role     user.Role `json:"role"`
		}
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		if req.Role == "" {
			req.Role = user.RoleCustomer
		}
		u, err := userSvc.Register(ctx.Request().Context(), req.Username, req.Password, req.Role)
		if err != nil {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": iris.Map{"id": u.ID, "username": u.Username, "role": u.Role}})
	})

	api.Post("/login", func(ctx iris.Context) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		token, err := userSvc.Login(ctx.Request().Context(), req.Username, req.Password)
		if err != nil {
			ctx.StopWithJSON(401, iris.Map{"code": 401, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": iris.Map{"token": token}})
	})

	// 网关 webhook：不走登录态，签名校验 + 限流。
	// 签名不合法时记录并丢弃，返回 200 避免网关无意义地重投。
	api.Post("/payment/webhook", middleware.WebhookRateLimit(), func(ctx iris.Context) {
		body, err := ctx.GetBody()
		if err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		sig := ctx.GetHeader("x-paystack-signature")
		outcome, err := paymentSvc.HandleWebhook(ctx.Request().Context(), body, sig)
		if err != nil {
			if errors.Is(err, service.ErrInvalidSignature) || errors.Is(err, service.ErrUnknownReference) {
				ctx.JSON(iris.Map{"code": 0, "msg": "ignored"})
				return
			}
			// 验证链路暂时不可用，让网关稍后重投
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": outcome})
	})

	// 需要登录的接口
	authAPI := api.Party("/", func(ctx iris.Context) {
		token := ctx.GetHeader("Authorization")
		if token == "" {
			ctx.StopWithJSON(401, iris.Map{"code": 401, "msg": "missing token"})
			return
		}
		claims, hit, _ := tokenCache.Get(ctx.Request().Context(), token)
		if !hit {
			var err error
			claims, err = auth.ParseToken(&cfg.JWT, token)
			if err != nil {
				ctx.StopWithJSON(401, iris.Map{"code": 401, "msg": "invalid token"})
				return
			}
			_ = tokenCache.Set(ctx.Request().Context(), token, claims)
		}
		ctx.Values().Set(actorKey, service.Actor{UserID: claims.UserID, Role: claims.Role})
		ctx.Next()
	})

	// ---------- 顾客 ----------

	// 下单
	authAPI.Post("/orders", middleware.CheckoutRateLimit(), func(ctx iris.Context) {
		var req struct {
			RestaurantID  int64               `json:"restaurant_id"`
			Items         []service.CartLine  `json:"items"`
			Address       string              `json:"address"`
			Instructions  string              `json:"instructions"`
			PaymentMethod order.PaymentMethod `json:"payment_method"`
		}
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		o, err := orderSvc.PlaceOrder(ctx.Request().Context(), actorOf(ctx), req.RestaurantID, req.Items, req.Address, req.Instructions, req.PaymentMethod)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": o})
	})

	// 我的订单
	authAPI.Get("/orders/my", func(ctx iris.Context) {
		list, err := orderSvc.ListMine(ctx.Request().Context(), actorOf(ctx))
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	// 订单详情
	authAPI.Get("/orders/{id:int64}", func(ctx iris.Context) {
		id, _ := ctx.Params().GetInt64("id")
		o, err := orderSvc.GetOrder(ctx.Request().Context(), actorOf(ctx), id)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": o})
	})

	// 状态流转审计
	authAPI.Get("/orders/{id:int64}/history", func(ctx iris.Context) {
		id, _ := ctx.Params().GetInt64("id")
		list, err := orderSvc.History(ctx.Request().Context(), actorOf(ctx), id)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	// 取消订单
	authAPI.Post("/orders/{id:int64}/cancel", func(ctx iris.Context) {
		id, _ := ctx.Params().GetInt64("id")
		o, err := fulfillSvc.Cancel(ctx.Request().Context(), actorOf(ctx), id, "")
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": o})
	})

	// 发起支付
	authAPI.Post("/orders/{id:int64}/pay", middleware.CheckoutRateLimit(), func(ctx iris.Context) {
		var req struct {
			Email string `json:"email"`
		}
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		id, _ := ctx.Params().GetInt64("id")
		res, err := paymentSvc.Initiate(ctx.Request().Context(), actorOf(ctx), id, req.Email)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": res})
	})

	// 支付尝试流水
	authAPI.Get("/orders/{id:int64}/attempts", func(ctx iris.Context) {
		id, _ := ctx.Params().GetInt64("id")
		list, err := paymentSvc.Attempts(ctx.Request().Context(), actorOf(ctx), id)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	// 支付交互完成后的回调通道。用户把页面关掉时带 status=cancelled，
	// 只终结本次尝试，订单保持待支付。
	authAPI.Get("/payment/callback", func(ctx iris.Context) {
		ref := ctx.URLParam("reference")
		if ref == "" {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": "missing reference"})
			return
		}
		if ctx.URLParam("status") == "cancelled" {
			if err := paymentSvc.HandleCallbackAbort(ctx.Request().Context(), ref); err != nil {
				fail(ctx, err)
				return
			}
			ctx.JSON(iris.Map{"code": 0, "msg": "payment aborted"})
			return
		}
		outcome, err := paymentSvc.HandleCallback(ctx.Request().Context(), ref)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": outcome})
	})

	// 订单变更订阅（SSE）。终态事件推送后即关闭流。
	authAPI.Get("/orders/{id:int64}/events", func(ctx iris.Context) {
		id, _ := ctx.Params().GetInt64("id")
		if _, err := orderSvc.GetOrder(ctx.Request().Context(), actorOf(ctx), id); err != nil {
			fail(ctx, err)
			return
		}

		ch, cancel := feed.Subscribe(id)
		defer cancel()

		ctx.ContentType("text/event-stream")
		ctx.Header("Cache-Control", "no-cache")
		flusher, ok := ctx.ResponseWriter().Flusher()
		if !ok {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": "streaming unsupported"})
			return
		}

		reqCtx := ctx.Request().Context()
		for {
			select {
			case ev := <-ch:
				body, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(ctx.ResponseWriter(), "data: %s\n\n", body)
				flusher.Flush()
				if ev.Status.Terminal() {
					return
				}
			case <-reqCtx.Done():
				return
			}
		}
	})

	// ---------- 餐厅 ----------

	authAPI.Get("/restaurant/orders", func(ctx iris.Context) {
		list, err := orderSvc.ListForRestaurant(ctx.Request().Context(), actorOf(ctx))
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	// ---------- 骑手 ----------

	authAPI.Get("/driver/available", func(ctx iris.Context) {
		list, err := orderSvc.ListAvailable(ctx.Request().Context(), actorOf(ctx))
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	authAPI.Get("/driver/orders", func(ctx iris.Context) {
		list, err := orderSvc.ListForDriver(ctx.Request().Context(), actorOf(ctx))
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	// ---------- 状态推进（餐厅/骑手共用） ----------

	authAPI.Post("/orders/{id:int64}/advance", func(ctx iris.Context) {
		var req struct {
			Target order.Status `json:"target"`
		}
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		id, _ := ctx.Params().GetInt64("id")
		o, err := fulfillSvc.AdvanceStatus(ctx.Request().Context(), actorOf(ctx), id, req.Target)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": o})
	})

	RegisterAdminRoutes(authAPI, orderRepo, fulfillSvc)
}

func actorOf(ctx iris.Context) service.Actor {
	if v := ctx.Values().Get(actorKey); v != nil {
		if a, ok := v.(service.Actor); ok {
			return a
		}
	}
	return service.Actor{}
}

// fail 把服务层错误翻译成 HTTP 状态码与统一响应体
func fail(ctx iris.Context, err error) {
	code := 500
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		code = 401
	case errors.Is(err, service.ErrForbidden):
		code = 403
	case errors.Is(err, order.ErrNotFound):
		code = 404
	case errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrInvalidAddress),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrCashOrder),
		errors.Is(err, service.ErrUnknownReference):
		code = 400
	case errors.Is(err, service.ErrPaymentRequired):
		code = 402
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrAlreadyPaid),
		errors.Is(err, service.ErrOrderClosed),
		errors.Is(err, order.ErrAlreadyAssigned),
		errors.Is(err, order.ErrConditionFailed):
		code = 409
	case errors.Is(err, gateway.ErrConfig),
		errors.Is(err, gateway.ErrRequest):
		code = 502
	}
	ctx.StopWithJSON(code, iris.Map{"code": code, "msg": err.Error()})
}
