package live

import (
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/pkg/brokerwire"
)

func fromEpoch(sec int64) time.Time {
	if sec == 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

func toStatus(s string) broker.ContractStatus {
	switch s {
	case brokerwire.StatusSettledWin:
		return broker.StatusSettledWin
	case brokerwire.StatusSettledLoss:
		return broker.StatusSettledLoss
	}
	return broker.StatusOpen
}

func toUpdate(ct brokerwire.Contract) broker.ContractUpdate {
	u := broker.ContractUpdate{
		Handle:       ct.ContractID,
		Symbol:       ct.Symbol,
		Status:       toStatus(ct.Status),
		CurrentPrice: ct.CurrentSpot,
		CurrentValue: ct.CurrentValue,
		Time:         time.Now(),
	}
	if u.Status.Terminal() {
		u.ExitPrice = ct.ExitSpot
		u.RealizedPnL = ct.Profit
		if ct.SellTime != 0 {
			u.Time = time.Unix(ct.SellTime, 0)
		}
	} else {
		u.UnrealizedPnL = ct.Profit
	}
	return u
}

func toPosition(ct brokerwire.Contract) broker.Position {
	return broker.Position{
		Handle:        ct.ContractID,
		ClientID:      ct.ClientID,
		Symbol:        ct.Symbol,
		Direction:     broker.Direction(ct.Direction),
		Class:         broker.Class(ct.Class),
		EntryPrice:    ct.EntrySpot,
		CurrentPrice:  ct.CurrentSpot,
		Stake:         ct.BuyPrice,
		Quantity:      ct.Quantity,
		StopLoss:      ct.StopLoss,
		TakeProfit:    ct.TakeProfit,
		UnrealizedPnL: ct.Profit,
		OpenedAt:      fromEpoch(ct.DateStart),
	}
}

func toTick(t brokerwire.Tick) broker.Tick {
	return broker.Tick{Symbol: t.Symbol, Bid: t.Bid, Ask: t.Ask, Quote: t.Quote, Time: fromEpoch(t.Epoch)}
}

func toCandle(o brokerwire.OHLC) broker.Candle {
	return broker.Candle{
		Symbol:      o.Symbol,
		Open:        o.Open,
		High:        o.High,
		Low:         o.Low,
		Close:       o.Close,
		OpenTime:    fromEpoch(o.OpenTime),
		Granularity: time.Duration(o.Granularity) * time.Second,
	}
}
