package ticket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pu-ac-cn/cas-backend/internal/model"
	"github.com/redis/go-redis/v9"
)

// 生成随机服务 URL
func genService() gopter.Gen {
	return gen.OneConstOf(
		"https://app1.example.com/",
		"https://app2.example.com/callback",
		"https://service.internal.net/",
		"http://localhost:8080/",
	)
}

// Property: ST 单次使用
// *For any* ST，首次消费成功，再次消费报已使用
func TestProperty_ST_SingleUse(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	defer client.Close()

	registry := NewRedisRegistry(client, nil)
	factory := NewFactory("cas01")
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ST 单次使用：首次消费成功，第二次报已使用", prop.ForAll(
		func(service string) bool {
			now := time.Now()
			st := &model.ServiceTicket{
				ID:              factory.Mint(PrefixST),
				TGTID:           "TGT-prop",
				Service:         service,
				MaxUses:         1,
				AuthenticatedAt: now,
				ExpiresAt:       now.Add(10 * time.Second),
				CreatedAt:       now,
			}
			if err := registry.PutST(ctx, st); err != nil {
				return false
			}

			if _, err := registry.ConsumeST(ctx, st.ID); err != nil {
				return false
			}

			_, err := registry.ConsumeST(ctx, st.ID)
			return errors.Is(err, ErrTicketConsumed)
		},
		genService(),
	))

	properties.TestingRun(t)
}

// Property: 级联销毁
// *For any* 一组派生 ST，销毁 TGT 后所有 ST 消费均报不存在
func TestProperty_CascadeDestroy(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	defer client.Close()

	registry := NewRedisRegistry(client, nil)
	factory := NewFactory("cas01")
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("级联销毁：TGT 销毁后所有派生 ST 不可用", prop.ForAll(
		func(count int, service string) bool {
			now := time.Now()
			tgt := &model.TGT{
				ID: factory.Mint(PrefixTGT),
				AuthRecord: &model.AuthenticationRecord{
					Principal:       &model.Principal{ID: "bob"},
					AuthenticatedAt: now,
				},
				Services:      make(map[string]string),
				TimeToKill:    time.Hour,
				MaxTimeToLive: time.Hour,
				LastUsedAt:    now,
				CreatedAt:     now,
			}
			if err := registry.PutTGT(ctx, tgt); err != nil {
				return false
			}

			var stIDs []string
			for i := 0; i < count; i++ {
				st := &model.ServiceTicket{
					ID:              factory.Mint(PrefixST),
					TGTID:           tgt.ID,
					Service:         service,
					MaxUses:         1,
					AuthenticatedAt: now,
					ExpiresAt:       now.Add(time.Minute),
					CreatedAt:       now,
				}
				if err := registry.PutST(ctx, st); err != nil {
					return false
				}
				stIDs = append(stIDs, st.ID)
				tgt.Services[st.ID] = service
			}
			if err := registry.UpdateTGT(ctx, tgt); err != nil {
				return false
			}

			services, err := registry.DeleteTGTCascade(ctx, tgt.ID)
			if err != nil || len(services) != count {
				return false
			}

			for _, id := range stIDs {
				if _, err := registry.ConsumeST(ctx, id); !errors.Is(err, ErrTicketNotFound) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		genService(),
	))

	properties.TestingRun(t)
}

// 并发消费同一 ST 时恰有一个调用者成功
func TestConsumeST_Concurrent_ExactlyOneWinner(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	defer client.Close()

	registry := NewRedisRegistry(client, nil)
	ctx := context.Background()

	now := time.Now()
	st := &model.ServiceTicket{
		ID:              "ST-race-cas01",
		TGTID:           "TGT-race",
		Service:         "https://app.example.com/",
		MaxUses:         1,
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(time.Minute),
		CreatedAt:       now,
	}
	if err := registry.PutST(ctx, st); err != nil {
		t.Fatal(err)
	}

	const goroutines = 16
	var wg sync.WaitGroup
	results := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.ConsumeST(ctx, st.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var winners, consumed int
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrTicketConsumed):
			consumed++
		default:
			t.Fatalf("预期外的错误: %v", err)
		}
	}

	if winners != 1 {
		t.Fatalf("应恰有一个消费者成功，实际 %d 个", winners)
	}
	if consumed != goroutines-1 {
		t.Fatalf("其余消费者应报已使用，实际 %d 个", consumed)
	}
}
