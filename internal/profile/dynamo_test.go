package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bumpxchange/exchange-server/internal/model"
)

type mockDynamo struct {
	mock.Mock
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dynamodb.GetItemOutput), args.Error(1)
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, params)
	return &dynamodb.PutItemOutput{}, args.Error(0)
}

func sampleProfile() *model.Profile {
	return &model.Profile{
		ID:          "p-1",
		DisplayName: "Jordan",
		Fields: map[string]model.ProfileField{
			"phone":   {Value: "+1 555 0100", Categories: []model.SharingCategory{model.SharingPersonal}},
			"company": {Value: "Acme", Categories: []model.SharingCategory{model.SharingWork}},
			"email":   {Value: "j@example.com"},
		},
	}
}

func keyIs(id string) interface{} {
	return mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		key, ok := in.Key["profileId"].(*types.AttributeValueMemberS)
		return ok && key.Value == id && *in.TableName == "Profiles"
	})
}

func TestDynamoStore_ResolveProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("unmarshals and filters by category", func(t *testing.T) {
		item, err := attributevalue.MarshalMap(sampleProfile())
		require.NoError(t, err)

		client := new(mockDynamo)
		client.On("GetItem", ctx, keyIs("p-1")).Return(&dynamodb.GetItemOutput{Item: item}, nil)

		store := NewDynamoStore(client, "Profiles")
		p, err := store.ResolveProfile(ctx, model.ProfileRef{ProfileID: "p-1", SharingCategory: model.SharingWork})
		require.NoError(t, err)

		assert.Equal(t, "Jordan", p.DisplayName)
		assert.Contains(t, p.Fields, "company")
		assert.Contains(t, p.Fields, "email")
		assert.NotContains(t, p.Fields, "phone")
		client.AssertExpectations(t)
	})

	t.Run("returns not found for missing item", func(t *testing.T) {
		client := new(mockDynamo)
		client.On("GetItem", ctx, keyIs("p-2")).Return(&dynamodb.GetItemOutput{}, nil)

		store := NewDynamoStore(client, "Profiles")
		_, err := store.ResolveProfile(ctx, model.ProfileRef{ProfileID: "p-2"})
		assert.ErrorIs(t, err, ErrProfileNotFound)
	})

	t.Run("wraps client errors", func(t *testing.T) {
		cause := errors.New("throttled")
		client := new(mockDynamo)
		client.On("GetItem", ctx, keyIs("p-3")).Return(nil, cause)

		store := NewDynamoStore(client, "Profiles")
		_, err := store.ResolveProfile(ctx, model.ProfileRef{ProfileID: "p-3"})
		assert.ErrorIs(t, err, cause)
	})

	t.Run("empty ref yields empty profile without a lookup", func(t *testing.T) {
		client := new(mockDynamo)
		store := NewDynamoStore(client, "Profiles")

		p, err := store.ResolveProfile(ctx, model.ProfileRef{})
		require.NoError(t, err)
		assert.Empty(t, p.Fields)
		client.AssertNotCalled(t, "GetItem", mock.Anything, mock.Anything)
	})
}

func TestDynamoStore_Put(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamo)
	client.On("PutItem", ctx, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		id, ok := in.Item["profileId"].(*types.AttributeValueMemberS)
		return ok && id.Value == "p-1"
	})).Return(nil)

	store := NewDynamoStore(client, "Profiles")
	require.NoError(t, store.Put(ctx, sampleProfile()))
	client.AssertExpectations(t)
}
