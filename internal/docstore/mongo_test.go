package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson"
)

type mongoSuite struct {
	suite.Suite

	container *mongodb.MongoDBContainer
	store     *Mongo
}

func TestMongoSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Integration test - requires docker")
	}
	suite.Run(t, new(mongoSuite))
}

func (s *mongoSuite) SetupSuite() {
	ctx := context.Background()

	ctr, err := mongodb.Run(ctx, "mongo:7")
	s.Require().NoError(err)
	s.container = ctr

	uri, err := ctr.ConnectionString(ctx)
	s.Require().NoError(err)

	s.store, err = NewMongo(ctx, uri, "marketplace_test", nil)
	s.Require().NoError(err)
	s.Require().NoError(s.store.EnsureIndexes(ctx))
}

func (s *mongoSuite) TearDownSuite() {
	if s.store != nil {
		s.NoError(s.store.Close(context.Background()))
	}
	if s.container != nil {
		s.NoError(testcontainers.TerminateContainer(s.container))
	}
}

func (s *mongoSuite) SetupTest() {
	_, err := s.store.coll.DeleteMany(context.Background(), bson.D{})
	s.Require().NoError(err)
}

func (s *mongoSuite) TestWriteGetReplace() {
	ctx := context.Background()

	s.Require().NoError(s.store.Write(ctx, "products/p1", map[string]any{"name": "Tomatoes", "price": 70}))
	s.Require().NoError(s.store.Write(ctx, "products/p1", map[string]any{"name": "Carrots"}))

	var got map[string]any
	s.Require().NoError(s.store.Get(ctx, "products/p1", &got))
	s.Equal(map[string]any{"name": "Carrots"}, got)

	s.ErrorIs(s.store.Get(ctx, "products/p2", &got), ErrNotFound)
}

func (s *mongoSuite) TestNumbersRoundTrip() {
	ctx := context.Background()

	s.Require().NoError(s.store.Write(ctx, "products/p1", map[string]any{
		"quantity": 5,
		"price":    12.5,
		"stock":    int64(3_000_000_000),
		"isActive": true,
		"tags":     []string{"organic"},
	}))

	var got struct {
		Quantity int      `json:"quantity"`
		Price    float64  `json:"price"`
		Stock    int64    `json:"stock"`
		IsActive bool     `json:"isActive"`
		Tags     []string `json:"tags"`
	}
	s.Require().NoError(s.store.Get(ctx, "products/p1", &got))
	s.Equal(5, got.Quantity)
	s.Equal(12.5, got.Price)
	s.Equal(int64(3_000_000_000), got.Stock)
	s.True(got.IsActive)
	s.Equal([]string{"organic"}, got.Tags)
}

func (s *mongoSuite) TestUpdateMergesAndUpserts() {
	ctx := context.Background()

	s.Require().NoError(s.store.Write(ctx, "sellers/f1/orders/o1", map[string]any{"status": "pending", "quantity": 5}))
	s.Require().NoError(s.store.Update(ctx, "sellers/f1/orders/o1", map[string]any{"status": "confirmed"}))
	s.Require().NoError(s.store.Update(ctx, "buyers/b1/orders/o1", map[string]any{"status": "confirmed"}))

	var seller map[string]any
	s.Require().NoError(s.store.Get(ctx, "sellers/f1/orders/o1", &seller))
	s.Equal(map[string]any{"status": "confirmed", "quantity": float64(5)}, seller)

	var buyer map[string]any
	s.Require().NoError(s.store.Get(ctx, "buyers/b1/orders/o1", &buyer))
	s.Equal(map[string]any{"status": "confirmed"}, buyer)

	// upserted documents are listed under their parent like written ones
	orders, err := s.store.List(ctx, "buyers/b1/orders")
	s.Require().NoError(err)
	s.Contains(orders, "o1")
}

func (s *mongoSuite) TestListQueryRemove() {
	ctx := context.Background()

	s.Require().NoError(s.store.Write(ctx, "products/p1", map[string]any{"farmerId": "f1", "price": 70, "isActive": true}))
	s.Require().NoError(s.store.Write(ctx, "products/p2", map[string]any{"farmerId": "f2", "price": 12.5, "isActive": false}))
	s.Require().NoError(s.store.Write(ctx, "products/p2/images/i1", map[string]any{"url": "x"}))
	s.Require().NoError(s.store.Write(ctx, "products/p20", map[string]any{"farmerId": "f2", "price": 1}))

	all, err := s.store.List(ctx, "products")
	s.Require().NoError(err)
	s.Len(all, 3)

	byFarmer, err := s.store.Query(ctx, "products", "farmerId", "f1")
	s.Require().NoError(err)
	s.Len(byFarmer, 1)
	s.Contains(byFarmer, "p1")

	active, err := s.store.Query(ctx, "products", "isActive", true)
	s.Require().NoError(err)
	s.Len(active, 1)
	s.Contains(active, "p1")

	byPrice, err := s.store.Query(ctx, "products", "price", 70.0)
	s.Require().NoError(err)
	s.Contains(byPrice, "p1")

	byFraction, err := s.store.Query(ctx, "products", "price", 12.5)
	s.Require().NoError(err)
	s.Len(byFraction, 1)
	s.Contains(byFraction, "p2")

	s.Require().NoError(s.store.Remove(ctx, "products/p2"))
	images, err := s.store.List(ctx, "products/p2/images")
	s.Require().NoError(err)
	s.Empty(images)

	// a sibling sharing the key prefix survives
	var sibling map[string]any
	s.NoError(s.store.Get(ctx, "products/p20", &sibling))
}

func (s *mongoSuite) TestSubscribeSeesWrites() {
	ctx := context.Background()
	t := s.T()

	c := &collector{}
	unsubscribe, err := s.store.Subscribe(ctx, "buyers/b1/orders", c.fn)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, s.store.Write(ctx, "buyers/b1/orders/o1", map[string]any{"id": "o1"}))
	require.Eventually(t, func() bool { return len(c.last()) == 1 }, 5*time.Second, 10*time.Millisecond)
}
