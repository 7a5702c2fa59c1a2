package server

import (
	"github.com/kataras/iris/v12"

	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/datamodels/user"
	"github.com/example/speedyspoon/internal/service"
)

// RegisterAdminRoutes 注册管理端路由，全部要求 admin 角色
func RegisterAdminRoutes(parent iris.Party, orders order.Repository, fulfill *service.FulfillmentService) {
	admin := parent.Party("/admin", func(ctx iris.Context) {
		if actorOf(ctx).Role != user.RoleAdmin {
			ctx.StopWithJSON(403, iris.Map{"code": 403, "msg": "admin only"})
			return
		}
		ctx.Next()
	})

	// 运行指标快照
	admin.Get("/metrics", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"code": 0, "data": service.GetMonitor().Snapshot()})
	})

	// 按状态查询订单，缺省列出所有活跃单
	admin.Get("/orders", func(ctx iris.Context) {
		var statuses []order.Status
		if raw := ctx.URLParam("status"); raw != "" {
			st := order.Status(raw)
			if !st.Valid() {
				ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": "unknown status"})
				return
			}
			statuses = []order.Status{st}
		} else {
			statuses = []order.Status{
				order.StatusPlaced, order.StatusConfirmed, order.StatusPreparing,
				order.StatusReady, order.StatusPickedUp,
			}
		}
		list, err := orders.ListByStatus(ctx.Request().Context(), statuses...)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	admin.Get("/orders/{id:int64}", func(ctx iris.Context) {
		id, _ := ctx.Params().GetInt64("id")
		o, err := orders.GetByID(ctx.Request().Context(), id)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": o})
	})

	// 流转审计
	admin.Get("/orders/{id:int64}/history", func(ctx iris.Context) {
		id, _ := ctx.Params().GetInt64("id")
		list, err := orders.ListStatusLog(ctx.Request().Context(), id)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	// 强制取消，走与普通取消相同的条件更新路径
	admin.Post("/orders/{id:int64}/cancel", func(ctx iris.Context) {
		var req struct {
			Note string `json:"note"`
		}
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		id, _ := ctx.Params().GetInt64("id")
		o, err := fulfill.Cancel(ctx.Request().Context(), actorOf(ctx), id, req.Note)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": o})
	})
}
