package config

import (
	"context"
	"fmt"
	"io"

	"github.com/diwise/restless/pkg/restless"
	"github.com/diwise/restless/pkg/schema"
	yaml "gopkg.in/yaml.v2"
)

type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AttributeConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Nullable *bool  `yaml:"nullable"`
	Unique   bool   `yaml:"unique"`
	ReadOnly bool   `yaml:"readOnly"`
	Column   string `yaml:"column"`
}

type ThroughConfig struct {
	Entity string `yaml:"entity"`
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
}

type RelationshipConfig struct {
	Name        string         `yaml:"name"`
	Cardinality string         `yaml:"cardinality"`
	Target      string         `yaml:"target"`
	ForeignKey  string         `yaml:"foreignKey"`
	Inverse     string         `yaml:"inverse"`
	Through     *ThroughConfig `yaml:"through"`
}

type ModelConfig struct {
	Name          string               `yaml:"name"`
	Table         string               `yaml:"table"`
	PrimaryKey    string               `yaml:"primaryKey"`
	Attributes    []AttributeConfig    `yaml:"attributes"`
	Relationships []RelationshipConfig `yaml:"relationships"`
}

type CollectionConfig struct {
	Model     string   `yaml:"model"`
	Name      string   `yaml:"name"`
	URLPrefix string   `yaml:"urlPrefix"`
	Methods   []string `yaml:"methods"`
	Notify    bool     `yaml:"notify"`
}

// CollectionName returns the name the collection is exposed as
func (c CollectionConfig) CollectionName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Model
}

type Config struct {
	Storage     StorageConfig      `yaml:"storage"`
	URLPrefix   string             `yaml:"urlPrefix"`
	Models      []ModelConfig      `yaml:"models"`
	Collections []CollectionConfig `yaml:"collections"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}

	if cfg.URLPrefix == "" {
		cfg.URLPrefix = restless.DefaultURLPrefix
	}

	return cfg, nil
}

// Registry builds and validates the descriptors of all configured models
func (cfg *Config) Registry() (*schema.Registry, error) {
	descriptors := make([]*schema.Descriptor, 0, len(cfg.Models))

	for _, m := range cfg.Models {
		d, err := m.descriptor()
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}

	return schema.NewRegistry(descriptors...)
}

func (m ModelConfig) descriptor() (*schema.Descriptor, error) {
	decorators := []schema.DescriptorDecoratorFunc{}

	if m.Table != "" {
		decorators = append(decorators, schema.Table(m.Table))
	}

	primaryKey := m.PrimaryKey
	if primaryKey == "" {
		primaryKey = "id"
	}

	foundKey := false

	for _, a := range m.Attributes {
		kind, err := schema.ParseKind(a.Kind)
		if err != nil {
			return nil, fmt.Errorf("model %s: attribute %s: %w", m.Name, a.Name, err)
		}

		options := []schema.AttributeDecoratorFunc{}
		if a.Nullable != nil && !*a.Nullable {
			options = append(options, schema.NotNull())
		}
		if a.Unique {
			options = append(options, schema.Unique())
		}
		if a.ReadOnly {
			options = append(options, schema.ReadOnly())
		}
		if a.Column != "" {
			options = append(options, schema.Column(a.Column))
		}

		if a.Name == primaryKey {
			foundKey = true
			decorators = append(decorators, schema.PrimaryKey(a.Name, kind, options...))
		} else {
			decorators = append(decorators, schema.Attribute(a.Name, kind, options...))
		}
	}

	if !foundKey {
		// an undeclared primary key is an integer id
		if m.PrimaryKey != "" {
			return nil, fmt.Errorf("model %s: primary key %s is not among its attributes", m.Name, m.PrimaryKey)
		}
		decorators = append([]schema.DescriptorDecoratorFunc{schema.PrimaryKey("id", schema.Integer)}, decorators...)
	}

	for _, r := range m.Relationships {
		if r.Through != nil {
			decorators = append(decorators, schema.AssociationProxy(r.Name, r.Target, r.Through.Entity, r.Through.Local, r.Through.Remote))
			continue
		}

		cardinality, err := schema.ParseCardinality(r.Cardinality)
		if err != nil {
			return nil, fmt.Errorf("model %s: relationship %s: %w", m.Name, r.Name, err)
		}

		if cardinality == schema.One {
			options := []schema.RelationshipDecoratorFunc{}
			if r.ForeignKey != "" {
				options = append(options, schema.ForeignKey(r.ForeignKey))
			}
			decorators = append(decorators, schema.ToOne(r.Name, r.Target, options...))
		} else {
			decorators = append(decorators, schema.ToMany(r.Name, r.Target, schema.Inverse(r.Inverse)))
		}
	}

	return schema.New(m.Name, decorators...)
}

// RegisterCollections creates an api for every configured collection. The
// options returned by extra, if any, are appended to those derived from the
// collection config.
func (cfg *Config) RegisterCollections(ctx context.Context, m *restless.Manager, extra func(c CollectionConfig) []restless.APIOption) error {
	for _, c := range cfg.Collections {
		options := []restless.APIOption{}

		if c.Name != "" {
			options = append(options, restless.CollectionName(c.Name))
		}
		if c.URLPrefix != "" {
			options = append(options, restless.URLPrefix(c.URLPrefix))
		}
		if len(c.Methods) > 0 {
			options = append(options, restless.Methods(c.Methods...))
		}
		if extra != nil {
			options = append(options, extra(c)...)
		}

		if _, err := m.CreateAPI(ctx, c.Model, options...); err != nil {
			return fmt.Errorf("failed to register collection for %s: %w", c.Model, err)
		}
	}

	return nil
}
