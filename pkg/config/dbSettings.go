package config

// DbSettings selects and locates the relational or document store.
type DbSettings struct {
	Type   string `mapstructure:"type" validate:"required,oneof=postgres spanner mongo"`
	DSN    string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI    string `mapstructure:"uri" validate:"required_if=Type spanner,required_if=Type mongo"`
	DBName string `mapstructure:"db_name" validate:"required_if=Type mongo"`
	// Migrate applies the schema (Postgres tables, Mongo indexes) at startup.
	Migrate bool `mapstructure:"migrate"`
}
